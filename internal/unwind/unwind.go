// Package unwind produces best-effort backtraces by walking the frame-pointer
// chain of an emulated CPU.
//
// Each frame record stores the caller's frame pointer at [fp] and the return
// address at [fp+4]. The walk stops, without failing, at the first record
// that cannot be read, that does not move strictly up the stack, or once
// MaxFrames frames have been collected. Backtraces through corrupted or
// omitted frame pointers are not guaranteed to be correct.
package unwind

import (
	"fmt"
	"strings"

	"github.com/zboralski/firmhook/internal/machine"
	"github.com/zboralski/firmhook/internal/symbols"
)

// DefaultMaxFrames bounds every walk.
const DefaultMaxFrames = 32

// StackFrame is one entry of a backtrace. Name is empty when no symbol covers PC.
type StackFrame struct {
	PC   uint32
	SP   uint32
	FP   uint32
	Name string
}

// Resolved reports whether the frame's PC resolved to a symbol.
func (f StackFrame) Resolved() bool {
	return f.Name != ""
}

func (f StackFrame) String() string {
	if f.Name != "" {
		return fmt.Sprintf("%s (0x%08x)", f.Name, f.PC)
	}
	return fmt.Sprintf("0x%08x", f.PC)
}

// Unwinder walks the stack of one CPU.
type Unwinder struct {
	CPU       machine.CPU
	Mem       machine.Memory
	ABI       machine.ABI
	Symbols   *symbols.Map
	MaxFrames int
}

// New returns an unwinder for cpu with the default frame limit.
func New(cpu machine.CPU, mem machine.Memory, abi machine.ABI, syms *symbols.Map) *Unwinder {
	return &Unwinder{CPU: cpu, Mem: mem, ABI: abi, Symbols: syms, MaxFrames: DefaultMaxFrames}
}

// ValidAddress reports whether addr can be a code or frame address:
// non-zero, not the all-ones sentinel, and 4-byte aligned.
func ValidAddress(addr uint32) bool {
	return addr != 0 && addr != 0xffffffff && addr&0x3 == 0
}

// Unwind returns the frames of the current call stack, innermost first.
// Only register read failures are returned as errors.
func (u *Unwinder) Unwind() ([]StackFrame, error) {
	pc, err := u.CPU.ReadReg(machine.PC)
	if err != nil {
		return nil, fmt.Errorf("read pc: %w", err)
	}
	sp, err := u.CPU.ReadReg(u.ABI.SP)
	if err != nil {
		return nil, fmt.Errorf("read sp: %w", err)
	}
	fp, err := u.CPU.ReadReg(u.ABI.FP)
	if err != nil {
		return nil, fmt.Errorf("read fp: %w", err)
	}
	lr, err := u.CPU.ReadReg(u.ABI.LR)
	if err != nil {
		return nil, fmt.Errorf("read lr: %w", err)
	}

	max := u.MaxFrames
	if max <= 0 {
		max = DefaultMaxFrames
	}

	frames := []StackFrame{u.frame(pc, sp, fp)}

	// The caller's frame layout is unknown until its record is on the
	// chain, so the link-register frame reuses the current SP and FP.
	if lr != 0 && lr != pc {
		frames = append(frames, u.frame(lr, sp, fp))
	}

	cur := fp
	for step := 0; step < max && len(frames) < max; step++ {
		if !ValidAddress(cur) {
			break
		}
		ret, ok := u.readWord(cur + 4)
		if !ok {
			break
		}
		prev, ok := u.readWord(cur)
		if !ok {
			break
		}

		if ret != 0 && ValidAddress(ret) && ret != frames[len(frames)-1].PC {
			frames = append(frames, u.frame(ret, cur+8, prev))
		}

		// cycle and corruption guard
		if prev <= cur {
			break
		}
		cur = prev
	}

	return frames, nil
}

// Backtrace renders Unwind as text.
func (u *Unwinder) Backtrace() (string, error) {
	frames, err := u.Unwind()
	if err != nil {
		return "", err
	}
	return Format(frames), nil
}

// Format renders frames as a numbered backtrace block.
func Format(frames []StackFrame) string {
	var b strings.Builder
	b.WriteString("----- Backtrace -----\n")
	for i, f := range frames {
		fmt.Fprintf(&b, "#%d: %s (FP: 0x%08x, SP: 0x%08x)\n", i, f, f.FP, f.SP)
	}
	b.WriteString("----- End of Backtrace -----\n")
	return b.String()
}

func (u *Unwinder) frame(pc, sp, fp uint32) StackFrame {
	name, _ := u.Symbols.Lookup(pc)
	return StackFrame{PC: pc, SP: sp, FP: fp, Name: name}
}

// readWord treats an all-zero word like an unreadable one: substrates that
// cannot report read faults return zeros for unmapped memory.
func (u *Unwinder) readWord(addr uint32) (uint32, bool) {
	v, err := machine.ReadU32(u.Mem, addr)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}
