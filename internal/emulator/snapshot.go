package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/firmhook/internal/machine"
)

type regionCopy struct {
	base uint64
	data []byte
}

// snapshot is CPU context plus a copy of every writable region.
type snapshot struct {
	owner   *Emulator
	pc      uint32
	ctx     uc.Context
	regions []regionCopy
}

func (s *snapshot) PC() uint32 { return s.pc }

// Snapshot captures registers and writable memory.
func (e *Emulator) Snapshot() (machine.Snapshot, error) {
	ctx, err := e.mu.ContextSave(nil)
	if err != nil {
		return nil, fmt.Errorf("save context: %w", err)
	}
	regions, err := e.mu.MemRegions()
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}

	s := &snapshot{owner: e, pc: e.PC(), ctx: ctx}
	for _, r := range regions {
		if r.Prot&uc.PROT_WRITE == 0 {
			continue
		}
		data, err := e.mu.MemRead(r.Begin, r.End-r.Begin+1)
		if err != nil {
			return nil, fmt.Errorf("copy region 0x%x: %w", r.Begin, err)
		}
		s.regions = append(s.regions, regionCopy{base: r.Begin, data: data})
	}
	return s, nil
}

// Restore rewinds registers and writable memory to a snapshot taken by this
// emulator.
func (e *Emulator) Restore(snap machine.Snapshot) error {
	s, ok := snap.(*snapshot)
	if !ok || s.owner != e {
		return fmt.Errorf("restore: snapshot %T does not belong to this emulator", snap)
	}
	if err := e.mu.ContextRestore(s.ctx); err != nil {
		return fmt.Errorf("restore context: %w", err)
	}
	for _, r := range s.regions {
		if err := e.mu.MemWrite(r.base, r.data); err != nil {
			return fmt.Errorf("restore region 0x%x: %w", r.base, err)
		}
	}
	e.prevLoc = 0
	return nil
}
