package boot

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/zboralski/firmhook/internal/hooks"
	"github.com/zboralski/firmhook/internal/machine"
	"github.com/zboralski/firmhook/internal/machine/machinetest"
)

const (
	addrLog    = 0x1000
	addrInit   = 0x2000
	addrTarget = 0x5000
)

func newSequencer(t *testing.T, m *machinetest.Machine, fuzz bool) *Sequencer {
	t.Helper()
	reg, err := hooks.NewRegistry([]hooks.FirmwareFunction{
		{Name: "log_hit", Address: addrLog, Policy: hooks.Policy{Handler: hooks.NoOp}},
		{Name: InitDoneMarker, Address: addrInit, Policy: hooks.Policy{Handler: hooks.NoOp}},
	})
	if err != nil {
		t.Fatal(err)
	}
	eng := hooks.NewEngine(m, nil)
	eng.Out = io.Discard
	return New(m, hooks.NewDispatcher(m, reg, eng), fuzz, addrTarget)
}

func TestBootStopsAtInitDone(t *testing.T) {
	m := machinetest.New(1)
	m.Script = []machinetest.Stop{
		{PC: addrLog},
		{PC: 0x3000}, // unexpected stop, resumed
		{PC: addrLog},
		{PC: addrInit},
		{PC: addrLog}, // must never be consumed
	}
	s := newSequencer(t, m, false)

	snap, err := s.Boot()
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if snap == nil || snap.PC() != addrInit {
		t.Fatalf("snapshot = %v", snap)
	}
	if m.Runs != 4 {
		t.Errorf("Runs = %d, want 4", m.Runs)
	}
	if m.Snapshots != 1 {
		t.Errorf("Snapshots = %d, want 1", m.Snapshots)
	}
	if m.RunsAfterSnapshot != 0 {
		t.Errorf("RunsAfterSnapshot = %d, want 0", m.RunsAfterSnapshot)
	}
	if s.Outcome != AtInit || s.Stops != 4 {
		t.Errorf("Outcome = %v Stops = %d", s.Outcome, s.Stops)
	}
	if !m.Breakpoints[addrLog] || !m.Breakpoints[addrInit] {
		t.Errorf("registry breakpoints not armed: %v", m.Breakpoints)
	}
}

func TestBootStopsAtFuzzTarget(t *testing.T) {
	m := machinetest.New(1)
	m.Script = []machinetest.Stop{
		{PC: addrLog},
		{PC: addrTarget},
		{PC: addrInit},
	}
	s := newSequencer(t, m, true)

	snap, err := s.Boot()
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if snap.PC() != addrTarget {
		t.Errorf("snapshot PC = 0x%x", snap.PC())
	}
	if s.Outcome != AtFuzzTarget {
		t.Errorf("Outcome = %v", s.Outcome)
	}
	if m.Breakpoints[addrTarget] {
		t.Error("fuzz target breakpoint still set")
	}
	if m.Runs != 2 || m.Snapshots != 1 || m.RunsAfterSnapshot != 0 {
		t.Errorf("Runs=%d Snapshots=%d RunsAfterSnapshot=%d", m.Runs, m.Snapshots, m.RunsAfterSnapshot)
	}
}

func TestBootIgnoresFuzzTargetWhenNotFuzzing(t *testing.T) {
	m := machinetest.New(1)
	m.Script = []machinetest.Stop{
		{PC: addrTarget},
		{PC: addrInit},
	}
	s := newSequencer(t, m, false)

	if _, err := s.Boot(); err != nil {
		t.Fatal(err)
	}
	if m.Breakpoints[addrTarget] {
		t.Error("fuzz target breakpoint set with fuzzing disabled")
	}
	if m.Runs != 2 || s.Outcome != AtInit {
		t.Errorf("Runs=%d Outcome=%v", m.Runs, s.Outcome)
	}
}

func TestBootUsesPreDispatchPC(t *testing.T) {
	// A redirect at the fuzz target moves PC; the target is still recognised.
	m := machinetest.New(1)
	m.Script = []machinetest.Stop{{PC: addrTarget}}
	reg, _ := hooks.NewRegistry([]hooks.FirmwareFunction{
		{Name: "jump", Address: addrTarget, Policy: hooks.Policy{Handler: hooks.RedirectToFixedAddress, Target: 0x9000}},
	})
	eng := hooks.NewEngine(m, nil)
	eng.Out = io.Discard
	s := New(m, hooks.NewDispatcher(m, reg, eng), true, addrTarget)

	snap, err := s.Boot()
	if err != nil {
		t.Fatal(err)
	}
	if s.Outcome != AtFuzzTarget {
		t.Errorf("Outcome = %v", s.Outcome)
	}
	if snap.PC() != 0x9000 {
		t.Errorf("snapshot PC = 0x%x, want redirected 0x9000", snap.PC())
	}
}

func TestBootPropagatesErrors(t *testing.T) {
	runErr := errors.New("cpu exploded")

	m := machinetest.New(1)
	m.Script = []machinetest.Stop{{PC: addrLog}, {Err: runErr}}
	if _, err := newSequencer(t, m, false).Boot(); !errors.Is(err, runErr) {
		t.Errorf("run error: got %v", err)
	}
	if m.Snapshots != 0 {
		t.Errorf("Snapshots = %d after failure", m.Snapshots)
	}

	m = machinetest.New(1)
	m.Script = []machinetest.Stop{{PC: addrLog}}
	m.Cpu(0).FailReads = map[machine.Reg]bool{machine.PC: true}
	if _, err := newSequencer(t, m, false).Boot(); err == nil {
		t.Error("expected pc read failure to abort boot")
	}
}

func TestRunLoop(t *testing.T) {
	m := machinetest.New(1)
	m.Script = []machinetest.Stop{{PC: addrLog}, {PC: 0x4444}, {PC: addrInit}}
	s := newSequencer(t, m, false)

	err := s.RunLoop(context.Background())
	if !errors.Is(err, machinetest.ErrNoMoreStops) {
		t.Fatalf("RunLoop = %v, want ErrNoMoreStops", err)
	}
	if s.Stops != 3 {
		t.Errorf("Stops = %d, want 3", s.Stops)
	}
	if m.Snapshots != 0 {
		t.Errorf("RunLoop took %d snapshots", m.Snapshots)
	}
}

func TestRunLoopCancelled(t *testing.T) {
	m := machinetest.New(1)
	m.Script = []machinetest.Stop{{PC: addrLog}}
	s := newSequencer(t, m, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.RunLoop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunLoop = %v, want context.Canceled", err)
	}
	if m.Runs != 0 {
		t.Errorf("Runs = %d after cancellation", m.Runs)
	}
}
