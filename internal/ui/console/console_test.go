package console

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/zboralski/firmhook/internal/hooks"
	"github.com/zboralski/firmhook/internal/machine"
	"github.com/zboralski/firmhook/internal/machine/machinetest"
	"github.com/zboralski/firmhook/internal/trace"
)

func TestLinesAreNeverDropped(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	const n = 5000
	for i := 0; i < n; i++ {
		w.Line(fmt.Sprintf("line %d", i))
	}
	w.Close()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != n {
		t.Fatalf("got %d lines, want %d", len(lines), n)
	}
	for i, l := range lines {
		if want := fmt.Sprintf("line %d", i); l != want {
			t.Fatalf("line %d = %q, want %q", i, l, want)
		}
	}
}

func TestSyncFlushesQueuedOutput(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	defer w.Close()

	w.Line("hit")
	fmt.Fprint(w, "raw")
	if err := w.Sync(); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "hit\nraw" {
		t.Errorf("output = %q", got)
	}
}

func TestWriteAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	w.Line("before")
	w.Close()
	w.Close()
	w.Line("after")
	if got := buf.String(); got != "before\nafter\n" {
		t.Errorf("output = %q", got)
	}
}

// Hit lines queued before a FatalAndReport stop must reach the terminal, in
// order, before the process exits.
func TestFatalExitSeesEarlierHits(t *testing.T) {
	m := machinetest.New(1)
	reg, err := hooks.NewRegistry([]hooks.FirmwareFunction{
		{Name: "log_hit", Address: 0x1000, Policy: hooks.Policy{Handler: hooks.NoOp}},
		{Name: "err_fatal", Address: 0x2000, Policy: hooks.Policy{Handler: hooks.FatalAndReport}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	w := New(&buf)
	defer w.Close()

	e := hooks.NewEngine(m, nil)
	e.Out = w
	var atExit string
	exited := false
	e.Exit = func(int) {
		exited = true
		atExit = buf.String()
	}
	d := hooks.NewDispatcher(m, reg, e)
	d.OnHit = func(ev *trace.Event) { w.Line("hit " + ev.Name) }

	m.Cpu(0).Regs[machine.PC] = 0x1000
	if _, err := d.Dispatch(); err != nil {
		t.Fatal(err)
	}
	m.Cpu(0).Regs[machine.PC] = 0x2000
	if _, err := d.Dispatch(); err != nil {
		t.Fatal(err)
	}

	if !exited {
		t.Fatal("exit not called")
	}
	hit := strings.Index(atExit, "hit log_hit")
	fatal := strings.Index(atExit, "FATAL ERROR!")
	if hit < 0 || fatal < 0 || hit > fatal {
		t.Errorf("output at exit is missing or misordered:\n%s", atExit)
	}
	for _, want := range []string{"----- Backtrace -----", "Exiting with 1337"} {
		if !strings.Contains(atExit, want) {
			t.Errorf("output at exit missing %q:\n%s", want, atExit)
		}
	}
}
