// Package console serialises terminal output from the dispatch loop.
package console

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// FlushInterval is how often queued output reaches the terminal.
const FlushInterval = 50 * time.Millisecond

type chunk struct {
	text string
	ack  chan struct{}
}

// Writer queues output for a background goroutine that writes it in order.
// Queuing blocks when the queue is full; nothing is dropped. Writer is an
// io.Writer, and Sync flushes everything queued before it returns.
type Writer struct {
	mu     sync.Mutex
	closed bool
	ch     chan chunk
	done   chan struct{}
	writer *bufio.Writer
}

// New starts a writer draining into w.
func New(w io.Writer) *Writer {
	c := &Writer{
		ch:     make(chan chunk, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(w, 64*1024),
	}
	go c.run()
	return c
}

func (c *Writer) run() {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ck, ok := <-c.ch:
			if !ok {
				c.writer.Flush()
				close(c.done)
				return
			}
			c.writer.WriteString(ck.text)
			if ck.ack != nil {
				c.writer.Flush()
				close(ck.ack)
			}
		case <-ticker.C:
			c.writer.Flush()
		}
	}
}

func (c *Writer) send(ck chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// the drain goroutine is gone; write through
		c.writer.WriteString(ck.text)
		c.writer.Flush()
		return
	}
	c.ch <- ck
	if ck.ack != nil {
		<-ck.ack
	}
}

// Line queues s followed by a newline.
func (c *Writer) Line(s string) {
	c.send(chunk{text: s + "\n"})
}

// Write queues p verbatim.
func (c *Writer) Write(p []byte) (int, error) {
	c.send(chunk{text: string(p)})
	return len(p), nil
}

// Sync blocks until everything queued so far has been written and flushed.
func (c *Writer) Sync() error {
	c.send(chunk{ack: make(chan struct{})})
	return nil
}

// Close flushes and stops the writer. Later output is written directly.
func (c *Writer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
	<-c.done
}
