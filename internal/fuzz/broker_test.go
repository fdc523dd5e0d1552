package fuzz

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBrokerStreamsReports(t *testing.T) {
	b := NewBroker(0, func() Report { return Report{Execs: 42, Edges: 7, Workers: 3} })
	b.Interval = 10 * time.Millisecond
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stats"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		var r Report
		if err := conn.ReadJSON(&r); err != nil {
			t.Fatal(err)
		}
		if r.Execs != 42 || r.Edges != 7 || r.Workers != 3 {
			t.Errorf("report %d = %+v", i, r)
		}
	}
}

func TestBrokerServeShutdown(t *testing.T) {
	b := NewBroker(0, func() Report { return Report{} })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestMonitorPrintsFinalLine(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Monitor(ctx, &buf, func() Report { return Report{Execs: 5} }, time.Hour)
	if !strings.HasPrefix(buf.String(), "[stats] ") || !strings.Contains(buf.String(), "executions") {
		t.Errorf("output = %q", buf.String())
	}
}
