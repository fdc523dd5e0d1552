package hooks

import (
	"errors"
	"io"
	"testing"

	"github.com/zboralski/firmhook/internal/machine"
	"github.com/zboralski/firmhook/internal/machine/machinetest"
	"github.com/zboralski/firmhook/internal/trace"
)

func newTestDispatcher(t *testing.T, m *machinetest.Machine, fns ...FirmwareFunction) *Dispatcher {
	t.Helper()
	r, err := NewRegistry(fns)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(m, nil)
	e.Out = io.Discard
	return NewDispatcher(m, r, e)
}

func TestDispatchAppliesToCurrentCPU(t *testing.T) {
	m := machinetest.New(2)
	m.Current = 0
	m.Cpu(0).Regs[machine.PC] = 0x100
	m.Cpu(1).Regs[machine.PC] = 0x2000
	d := newTestDispatcher(t, m, FirmwareFunction{Name: "skip", Address: 0x2000, Policy: Policy{Handler: AdvanceOneInstruction}})

	var events []*trace.Event
	d.OnHit = func(e *trace.Event) { events = append(events, e) }

	name, err := d.Dispatch()
	if err != nil {
		t.Fatal(err)
	}
	if name != "skip" {
		t.Errorf("name = %q", name)
	}
	if pc := m.Cpu(0).Regs[machine.PC]; pc != 0x104 {
		t.Errorf("current cpu pc = 0x%x, want 0x104", pc)
	}
	if pc := m.Cpu(1).Regs[machine.PC]; pc != 0x2000 {
		t.Errorf("matched non-current cpu pc changed to 0x%x", pc)
	}
	if len(events) != 1 || events[0].CPU != 0 || events[0].PC != 0x2000 || events[0].PrimaryTag() != "#advance" {
		t.Errorf("events = %+v", events)
	}
}

func TestDispatchCurrentCPUMatches(t *testing.T) {
	m := machinetest.New(2)
	m.Current = 1
	m.Cpu(0).Regs[machine.PC] = 0x10
	m.Cpu(1).Regs[machine.PC] = 0x1000
	d := newTestDispatcher(t, m, FirmwareFunction{Name: "skip", Address: 0x1000, Policy: Policy{Handler: AdvanceOneInstruction}})

	if _, err := d.Dispatch(); err != nil {
		t.Fatal(err)
	}
	if pc := m.Cpu(1).Regs[machine.PC]; pc != 0x1004 {
		t.Errorf("current cpu pc = 0x%x, want 0x1004", pc)
	}
	if pc := m.Cpu(0).Regs[machine.PC]; pc != 0x10 {
		t.Errorf("other cpu pc changed to 0x%x", pc)
	}
}

func TestDispatchFirstMatchWins(t *testing.T) {
	m := machinetest.New(2)
	m.Cpu(0).Regs[machine.PC] = 0x2000
	m.Cpu(1).Regs[machine.PC] = 0x1000
	// cpu 1 must not be read once cpu 0 matched.
	m.Cpu(1).FailReads = map[machine.Reg]bool{machine.PC: true}
	d := newTestDispatcher(t, m,
		FirmwareFunction{Name: "one", Address: 0x1000, Policy: Policy{Handler: NoOp}},
		FirmwareFunction{Name: "two", Address: 0x2000, Policy: Policy{Handler: NoOp}},
	)

	name, err := d.Dispatch()
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if name != "two" {
		t.Errorf("name = %q, want two", name)
	}
}

func TestDispatchUnexpected(t *testing.T) {
	m := machinetest.New(3)
	m.Cpu(0).Regs[machine.PC] = 0x10
	m.Cpu(1).Regs[machine.PC] = 0xfe000020
	m.Cpu(2).Regs[machine.PC] = 0
	d := newTestDispatcher(t, m, FirmwareFunction{Name: "x", Address: 0x1000, Policy: Policy{Handler: NoOp}})

	var ev *trace.Event
	d.OnHit = func(e *trace.Event) { ev = e }

	name, err := d.Dispatch()
	if err != nil {
		t.Fatalf("unexpected stop must not be an error: %v", err)
	}
	if want := "unexpected break at: 0x10 0xfe000020 0x0"; name != want {
		t.Errorf("name = %q, want %q", name, want)
	}
	if ev == nil || !ev.Tags.Has(trace.Unexpected) || ev.PC != 0x10 {
		t.Errorf("event = %+v", ev)
	}
	if m.Writes != 0 {
		t.Errorf("unexpected stop wrote %d registers", m.Writes)
	}
}

func TestDispatchErrors(t *testing.T) {
	m := machinetest.New(2)
	m.Cpu(1).FailReads = map[machine.Reg]bool{machine.PC: true}
	d := newTestDispatcher(t, m)
	if _, err := d.Dispatch(); err == nil {
		t.Error("expected pc read failure")
	}

	d = newTestDispatcher(t, machinetest.New(0))
	if _, err := d.Dispatch(); !errors.Is(err, ErrNoCPU) {
		t.Errorf("err = %v, want ErrNoCPU", err)
	}

	m = machinetest.New(1)
	m.Cpu(0).Regs[machine.PC] = 0x1000
	m.Cpu(0).FailReads = map[machine.Reg]bool{machine.ARM.LR: true}
	d = newTestDispatcher(t, m, FirmwareFunction{Name: "ret", Address: 0x1000, Policy: Policy{Handler: ReturnToCaller}})
	if _, err := d.Dispatch(); err == nil {
		t.Error("expected policy failure to propagate")
	}
}

func TestArm(t *testing.T) {
	m := machinetest.New(1)
	d := newTestDispatcher(t, m,
		FirmwareFunction{Name: "a", Address: 0x1000, Policy: Policy{Handler: NoOp}},
		FirmwareFunction{Name: "b", Address: 0x2000, Policy: Policy{Handler: NoOp}},
	)
	if err := d.Arm(); err != nil {
		t.Fatal(err)
	}
	if len(m.Breakpoints) != 2 || !m.Breakpoints[0x1000] || !m.Breakpoints[0x2000] {
		t.Errorf("Breakpoints = %v", m.Breakpoints)
	}
}
