package hooks

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	glog "github.com/zboralski/firmhook/internal/log"
	"github.com/zboralski/firmhook/internal/machine"
	"github.com/zboralski/firmhook/internal/trace"
)

// UnexpectedPrefix starts the name Dispatch returns for unmatched stops.
const UnexpectedPrefix = "unexpected break at: "

// ErrNoCPU is returned when the machine reports no CPUs.
var ErrNoCPU = errors.New("machine has no cpus")

// Dispatcher services emulator stops.
type Dispatcher struct {
	Machine  machine.Machine
	Registry *Registry
	Engine   *Engine

	// OnHit receives an event for every dispatched stop.
	OnHit func(e *trace.Event)
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(m machine.Machine, r *Registry, e *Engine) *Dispatcher {
	return &Dispatcher{Machine: m, Registry: r, Engine: e}
}

// Arm sets a breakpoint at every registry address.
func (d *Dispatcher) Arm() error {
	for _, fn := range d.Registry.Functions() {
		if err := d.Machine.SetBreakpoint(fn.Address); err != nil {
			return fmt.Errorf("set breakpoint %s at 0x%08x: %w", fn.Name, fn.Address, err)
		}
		if glog.L != nil {
			glog.L.Debug("breakpoint", glog.Fn(fn.Name), glog.Addr(fn.Address), zap.Stringer("policy", fn.Policy))
		}
	}
	return nil
}

// Dispatch scans CPUs in index order for the first registry entry matching a
// CPU's program counter, applies its policy to the current CPU and returns
// the entry's name. Later CPUs are not read once a match is found. A stop
// that matches no entry is not an error: the returned name lists every CPU's PC.
func (d *Dispatcher) Dispatch() (string, error) {
	n := d.Machine.NumCPUs()
	if n == 0 {
		return "", ErrNoCPU
	}

	pcs := make([]string, 0, n)
	var first uint32
	for i := 0; i < n; i++ {
		cpu := d.Machine.CPU(i)
		pc, err := cpu.ReadReg(machine.PC)
		if err != nil {
			return "", fmt.Errorf("read pc of cpu %d: %w", i, err)
		}
		if i == 0 {
			first = pc
		}

		fn, ok := d.Registry.Lookup(pc)
		if !ok {
			pcs = append(pcs, fmt.Sprintf("%#x", pc))
			continue
		}

		cur := d.Machine.CurrentCPU()
		res, err := d.Engine.Apply(cur, fn)
		if err != nil {
			return "", fmt.Errorf("%s (%v) at 0x%08x: %w", fn.Name, fn.Policy.Handler, pc, err)
		}
		if glog.L != nil {
			glog.L.Debug("hit", glog.Fn(fn.Name), glog.Addr(pc),
				zap.Int("matched_cpu", i), zap.Int("cpu", cur.Index()), zap.String("tag", string(res.Tag)))
		}
		d.emit(trace.NewEvent(pc, cur.Index(), res.Tag, fn.Name, res.Detail))
		return fn.Name, nil
	}

	name := UnexpectedPrefix + strings.Join(pcs, " ")
	if glog.L != nil {
		glog.L.Info("unexpected stop", zap.Strings("pcs", pcs))
	}
	d.emit(trace.NewEvent(first, -1, trace.Unexpected, name, ""))
	return name, nil
}

func (d *Dispatcher) emit(e *trace.Event) {
	if d.OnHit != nil {
		d.OnHit(e)
	}
}
