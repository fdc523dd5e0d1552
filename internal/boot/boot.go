// Package boot drives firmware from reset to a snapshot point.
package boot

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/firmhook/internal/hooks"
	glog "github.com/zboralski/firmhook/internal/log"
	"github.com/zboralski/firmhook/internal/machine"
)

// InitDoneMarker is the breakpoint name that ends boot when not fuzzing.
const InitDoneMarker = "app_init_done"

// Outcome says why boot stopped.
type Outcome int

const (
	// AtInit means the InitDoneMarker breakpoint was dispatched.
	AtInit Outcome = iota
	// AtFuzzTarget means execution reached the fuzz target.
	AtFuzzTarget
)

func (o Outcome) String() string {
	if o == AtFuzzTarget {
		return "fuzz-target"
	}
	return "init-done"
}

// Sequencer runs the emulator and dispatches stops until a snapshot point.
type Sequencer struct {
	Machine    machine.Machine
	Dispatcher *hooks.Dispatcher

	FuzzEnabled bool
	FuzzTarget  uint32

	// Outcome is set once Boot returns a snapshot.
	Outcome Outcome
	// Stops counts dispatched stops.
	Stops int
}

// New returns a sequencer. fuzzTarget is ignored unless fuzz is set.
func New(m machine.Machine, d *hooks.Dispatcher, fuzz bool, fuzzTarget uint32) *Sequencer {
	return &Sequencer{Machine: m, Dispatcher: d, FuzzEnabled: fuzz, FuzzTarget: fuzzTarget}
}

// Boot arms breakpoints and alternates run and dispatch until either the fuzz
// target is reached (fuzzing only) or the InitDoneMarker breakpoint fires. It
// takes exactly one snapshot and never resumes after taking it.
func (s *Sequencer) Boot() (machine.Snapshot, error) {
	if err := s.Dispatcher.Arm(); err != nil {
		return nil, err
	}
	if s.FuzzEnabled {
		if err := s.Machine.SetBreakpoint(s.FuzzTarget); err != nil {
			return nil, fmt.Errorf("set fuzz target breakpoint at 0x%08x: %w", s.FuzzTarget, err)
		}
	}

	for {
		if err := s.Machine.Run(); err != nil {
			return nil, fmt.Errorf("boot: run: %w", err)
		}

		pc, err := s.Machine.CurrentCPU().ReadReg(machine.PC)
		if err != nil {
			return nil, fmt.Errorf("boot: read pc: %w", err)
		}

		name, err := s.Dispatcher.Dispatch()
		if err != nil {
			return nil, fmt.Errorf("boot: dispatch at 0x%08x: %w", pc, err)
		}
		s.Stops++

		switch {
		case s.FuzzEnabled && pc == s.FuzzTarget:
			if err := s.Machine.RemoveBreakpoint(s.FuzzTarget); err != nil {
				return nil, fmt.Errorf("remove fuzz target breakpoint: %w", err)
			}
			return s.snapshot(AtFuzzTarget, pc)

		case name == InitDoneMarker:
			return s.snapshot(AtInit, pc)
		}
	}
}

func (s *Sequencer) snapshot(o Outcome, pc uint32) (machine.Snapshot, error) {
	snap, err := s.Machine.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("boot: snapshot: %w", err)
	}
	s.Outcome = o
	if glog.L != nil {
		glog.L.Info("boot complete",
			zap.Stringer("outcome", o),
			glog.Addr(pc),
			zap.Int("stops", s.Stops),
		)
	}
	return snap, nil
}

// RunLoop arms breakpoints and keeps running and dispatching until ctx is
// cancelled or the machine fails. A machine with a Stop method is halted
// mid-run on cancellation.
func (s *Sequencer) RunLoop(ctx context.Context) error {
	if err := s.Dispatcher.Arm(); err != nil {
		return err
	}
	if st, ok := s.Machine.(interface{ Stop() }); ok {
		release := context.AfterFunc(ctx, st.Stop)
		defer release()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Machine.Run(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return errors.Join(ctxErr, err)
			}
			return fmt.Errorf("run: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.Dispatcher.Dispatch(); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		s.Stops++
	}
}
