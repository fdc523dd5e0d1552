// Package machine defines the narrow capability surface the harness uses to
// talk to an emulated firmware target. Every register, memory and execution
// access made by the breakpoint, unwind and boot packages goes through these
// interfaces, so the emulator backend is the only code that touches raw state.
package machine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reg names a 32-bit CPU register. R0..R31 are general-purpose registers;
// PC is the program counter.
type Reg int

const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	R16
	R17
	R18
	R19
	R20
	R21
	R22
	R23
	R24
	R25
	R26
	R27
	R28
	R29
	R30
	R31
	PC
)

// NumGPR is the number of general-purpose register slots.
const NumGPR = 32

func (r Reg) String() string {
	if r == PC {
		return "pc"
	}
	if r >= R0 && r <= R31 {
		return "r" + strconv.Itoa(int(r))
	}
	return fmt.Sprintf("reg(%d)", int(r))
}

// ErrUnknownRegister is returned when a register name cannot be resolved.
var ErrUnknownRegister = errors.New("unknown register")

// ParseReg resolves a register name ("r3", "sp", "fp", "lr", "pc").
// Role aliases are resolved through the ABI.
func ParseReg(name string, abi ABI) (Reg, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "pc":
		return PC, nil
	case "sp":
		return abi.SP, nil
	case "fp":
		return abi.FP, nil
	case "lr":
		return abi.LR, nil
	}
	if strings.HasPrefix(n, "r") {
		idx, err := strconv.Atoi(n[1:])
		if err == nil && idx >= 0 && idx < NumGPR {
			return Reg(idx), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRegister, name)
}

// Memory is read access to emulated memory.
type Memory interface {
	// ReadMem fills buf with len(buf) bytes starting at addr.
	ReadMem(addr uint32, buf []byte) error
}

// CPU is one virtual CPU of the emulated target.
type CPU interface {
	Index() int
	ReadReg(r Reg) (uint32, error)
	WriteReg(r Reg, v uint32) error
	// ReadArg returns the nth argument slot of the call being intercepted,
	// per the target's calling convention.
	ReadArg(n int) (uint32, error)
	// ReturnAddress returns where the intercepted function would return to.
	ReturnAddress() (uint32, error)
}

// Snapshot is an opaque point-in-time capture of full emulator state.
type Snapshot interface {
	// PC is the program counter of the current CPU at capture time.
	PC() uint32
}

// Machine is the emulation substrate.
type Machine interface {
	Memory
	ABI() ABI
	NumCPUs() int
	CPU(i int) CPU
	CurrentCPU() CPU
	SetBreakpoint(addr uint32) error
	RemoveBreakpoint(addr uint32) error
	// Run resumes execution until the next trap.
	Run() error
	Snapshot() (Snapshot, error)
	Restore(s Snapshot) error
	Devices() []string
}

// ErrTimeout is returned when a bounded run exhausts its budget.
var ErrTimeout = errors.New("run timed out")

// TimedRunner is a Machine that can bound a single run.
type TimedRunner interface {
	Machine
	// RunWithTimeout is Run that gives up with ErrTimeout after d.
	RunWithTimeout(d time.Duration) error
}

// ReadU32 reads a little-endian word from memory.
func ReadU32(m Memory, addr uint32) (uint32, error) {
	var buf [4]byte
	if err := m.ReadMem(addr, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// ReadCString reads a NUL-terminated string of at most max bytes. ok is false
// when no terminator was found within max bytes.
func ReadCString(m Memory, addr uint32, max int) (data []byte, ok bool, err error) {
	buf := make([]byte, max)
	if err := m.ReadMem(addr, buf); err != nil {
		// the bounded read may straddle the end of a mapping; retry byte-wise
		buf = buf[:0]
		var b [1]byte
		for i := 0; i < max; i++ {
			if rerr := m.ReadMem(addr+uint32(i), b[:]); rerr != nil {
				return buf, false, err
			}
			if b[0] == 0 {
				return buf, true, nil
			}
			buf = append(buf, b[0])
		}
		return buf, false, nil
	}
	for i, b := range buf {
		if b == 0 {
			return buf[:i], true, nil
		}
	}
	return buf, false, nil
}
