// Package fuzz runs coverage-guided fuzzing campaigns against a firmware
// function restored from a boot snapshot.
package fuzz

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/firmhook/internal/hooks"
	glog "github.com/zboralski/firmhook/internal/log"
	"github.com/zboralski/firmhook/internal/machine"
)

// ExitKind classifies one execution.
type ExitKind int

const (
	ExitOK ExitKind = iota
	ExitTimeout
	ExitCrash
)

func (k ExitKind) String() string {
	switch k {
	case ExitOK:
		return "ok"
	case ExitTimeout:
		return "timeout"
	case ExitCrash:
		return "crash"
	}
	return fmt.Sprintf("exit(%d)", int(k))
}

// MinInputSize is the number of bytes needed to fill every harness register.
const MinInputSize = machine.HarnessArgCount * 4

// fatalExit carries a FatalAndReport exit out of the dispatcher.
type fatalExit struct{ code int }

// Harness executes one input against the fuzz target.
type Harness struct {
	Target     machine.TimedRunner
	Dispatcher *hooks.Dispatcher
	Snapshot   machine.Snapshot

	FuzzTarget uint32
	Return     uint32
	Timeout    time.Duration
	// MaxInputSize truncates longer inputs.
	MaxInputSize int

	// LastBacktrace is the backtrace of the latest FatalAndReport hit.
	LastBacktrace string
}

// NewHarness arms the return-address breakpoint and routes FatalAndReport
// exits into ExitCrash results instead of terminating the process.
func NewHarness(t machine.TimedRunner, d *hooks.Dispatcher, snap machine.Snapshot, target, ret uint32, timeout time.Duration, maxInput int) (*Harness, error) {
	if maxInput < MinInputSize {
		maxInput = MinInputSize
	}
	h := &Harness{
		Target:       t,
		Dispatcher:   d,
		Snapshot:     snap,
		FuzzTarget:   target,
		Return:       ret,
		Timeout:      timeout,
		MaxInputSize: maxInput,
	}
	if err := t.SetBreakpoint(ret); err != nil {
		return nil, fmt.Errorf("set return breakpoint at 0x%08x: %w", ret, err)
	}
	d.Engine.Exit = func(code int) { panic(fatalExit{code}) }
	d.Engine.OnFatal = func(_ *hooks.FirmwareFunction, bt string) { h.LastBacktrace = bt }
	return h, nil
}

// Execute restores the snapshot, loads input into the harness registers and
// runs from the fuzz target until it returns, times out or crashes. Inputs
// shorter than MinInputSize are a no-op success. Errors are reserved for an
// unusable emulator.
func (h *Harness) Execute(input []byte) (kind ExitKind, err error) {
	if err := h.Target.Restore(h.Snapshot); err != nil {
		return ExitCrash, fmt.Errorf("restore snapshot: %w", err)
	}
	if len(input) < MinInputSize {
		return ExitOK, nil
	}
	if len(input) > h.MaxInputSize {
		input = input[:h.MaxInputSize]
	}

	cpu := h.Target.CurrentCPU()
	if err := cpu.WriteReg(machine.PC, h.FuzzTarget); err != nil {
		return ExitCrash, fmt.Errorf("set pc: %w", err)
	}
	for i, r := range h.Target.ABI().HarnessRegs() {
		v := binary.LittleEndian.Uint32(input[4*i:])
		if err := cpu.WriteReg(r, v); err != nil {
			return ExitCrash, fmt.Errorf("set %v: %w", r, err)
		}
	}

	h.LastBacktrace = ""
	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(fatalExit)
			if !ok {
				panic(r)
			}
			if glog.L != nil {
				glog.L.Debug("fatal handler hit", zap.Int("code", fe.code))
			}
			kind, err = ExitCrash, nil
		}
	}()

	deadline := time.Now().Add(h.Timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ExitTimeout, nil
		}
		err := h.Target.RunWithTimeout(remaining)
		if errors.Is(err, machine.ErrTimeout) {
			return ExitTimeout, nil
		}
		if err != nil {
			if glog.L != nil {
				glog.L.Debug("target faulted", zap.Error(err))
			}
			return ExitCrash, nil
		}

		pc, err := cpu.ReadReg(machine.PC)
		if err != nil {
			return ExitCrash, fmt.Errorf("read pc: %w", err)
		}
		if pc == h.Return {
			return ExitOK, nil
		}
		if _, err := h.Dispatcher.Dispatch(); err != nil {
			return ExitCrash, fmt.Errorf("dispatch at 0x%08x: %w", pc, err)
		}
	}
}
