package fuzz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	glog "github.com/zboralski/firmhook/internal/log"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// DefaultInterval is how often statistics are pushed.
	DefaultInterval = time.Second

	// DefaultMaxClients caps concurrent connections to the broker.
	DefaultMaxClients = 16
)

// Broker serves live campaign statistics over a websocket at /stats.
type Broker struct {
	Addr     string
	Source   func() Report
	Interval time.Duration
	// MaxClients bounds concurrent connections; extra clients wait in accept.
	MaxClients int

	upgrader websocket.Upgrader
}

// NewBroker listens on all interfaces at port.
func NewBroker(port int, source func() Report) *Broker {
	return &Broker{
		Addr:       net.JoinHostPort("", strconv.Itoa(port)),
		Source:     source,
		Interval:   DefaultInterval,
		MaxClients: DefaultMaxClients,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the broker's routes.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", b.serveStats)
	return mux
}

// Serve runs the HTTP server until ctx is cancelled.
func (b *Broker) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.Addr)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if b.MaxClients > 0 {
		ln = netutil.LimitListener(ln, b.MaxClients)
	}

	srv := &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return fmt.Errorf("broker: %w", err)
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return fmt.Errorf("broker shutdown: %w", err)
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("broker: %w", err)
		}
		return nil
	}
}

func (b *Broker) serveStats(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if glog.L != nil {
			glog.L.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		}
		return
	}
	defer conn.Close()
	if glog.L != nil {
		glog.L.Info("stats client connected", zap.String("remote_addr", r.RemoteAddr))
	}

	// Drain reads so close frames from the client are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := b.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := conn.WriteJSON(b.Source()); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

// Monitor prints a status line to w every interval until ctx is cancelled.
func Monitor(ctx context.Context, w io.Writer, source func() Report, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w, "[stats] "+source().Line())
			return
		case <-ticker.C:
			fmt.Fprintln(w, "[stats] "+source().Line())
		}
	}
}
