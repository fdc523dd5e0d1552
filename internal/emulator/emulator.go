// Package emulator implements machine.Machine on a Unicorn ARM32 target.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"go.uber.org/zap"

	glog "github.com/zboralski/firmhook/internal/log"
	"github.com/zboralski/firmhook/internal/machine"
)

// RunUntil is the end address handed to unicorn; execution never reaches it
// and stops only on breakpoints, interrupts, faults or timeouts.
const RunUntil = 0xffffffff

// ErrTimeout is returned by RunWithTimeout when the budget runs out.
var ErrTimeout = machine.ErrTimeout

// ErrUnsupportedRegister is returned for registers ARM32 does not have.
var ErrUnsupportedRegister = errors.New("register not available on arm")

var armRegs = [...]int{
	machine.R0:  uc.ARM_REG_R0,
	machine.R1:  uc.ARM_REG_R1,
	machine.R2:  uc.ARM_REG_R2,
	machine.R3:  uc.ARM_REG_R3,
	machine.R4:  uc.ARM_REG_R4,
	machine.R5:  uc.ARM_REG_R5,
	machine.R6:  uc.ARM_REG_R6,
	machine.R7:  uc.ARM_REG_R7,
	machine.R8:  uc.ARM_REG_R8,
	machine.R9:  uc.ARM_REG_R9,
	machine.R10: uc.ARM_REG_R10,
	machine.R11: uc.ARM_REG_R11,
	machine.R12: uc.ARM_REG_R12,
	machine.R13: uc.ARM_REG_SP,
	machine.R14: uc.ARM_REG_LR,
	machine.R15: uc.ARM_REG_PC,
}

func ucReg(r machine.Reg) (int, error) {
	if r == machine.PC {
		return uc.ARM_REG_PC, nil
	}
	if r < 0 || int(r) >= len(armRegs) {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedRegister, r)
	}
	return armRegs[r], nil
}

// Emulator wraps Unicorn for ARM32 emulation.
type Emulator struct {
	mu   uc.Unicorn
	opts *Options
	img  *Image

	bpMu        sync.Mutex
	breakpoints map[uint32]uc.Hook
	// skip suppresses the breakpoint at this address for the first
	// instruction of the next run.
	skip    uint32
	skipSet bool

	// lastIntr is the most recent interrupt number, -1 if none.
	lastIntr int

	coverage []byte
	prevLoc  uint32
}

// New creates an ARM32 emulator, maps memory, loads the firmware and points
// PC at the entry.
func New(opts *Options) (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	e := &Emulator{
		mu:          mu,
		opts:        opts,
		breakpoints: make(map[uint32]uc.Hook),
		lastIntr:    -1,
	}

	if err := e.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := e.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	if opts.Firmware != "" {
		img, err := e.LoadFile(opts.Firmware, opts.Load)
		if err != nil {
			mu.Close()
			return nil, err
		}
		e.img = img
		entry := img.Entry
		if opts.HasEntry {
			entry = opts.Entry
		}
		if err := e.mu.RegWrite(uc.ARM_REG_PC, uint64(entry)); err != nil {
			mu.Close()
			return nil, fmt.Errorf("set PC: %w", err)
		}
	}

	return e, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := e.opts.Regions
	if len(regions) == 0 {
		regions = []Region{{Base: CodeBase, Size: CodeSize}}
	}
	for _, r := range regions {
		if err := e.mu.MemMap(uint64(r.Base), uint64(r.Size)); err != nil {
			return fmt.Errorf("map %v: %w", r, err)
		}
	}

	sp := e.opts.SP
	if !e.opts.HasSP {
		if err := e.mu.MemMap(StackBase, StackSize); err != nil {
			return fmt.Errorf("map stack (0x%x): %w", StackBase, err)
		}
		sp = StackBase + StackSize - 0x1000
	}
	if err := e.mu.RegWrite(uc.ARM_REG_SP, uint64(sp)); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}
	return nil
}

// setupHooks installs the interrupt hook and, when tracing, a block logger.
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		e.lastIntr = int(intno)
		mu.Stop()
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook interrupts: %w", err)
	}

	if e.opts.Trace {
		_, err = e.mu.HookAdd(uc.HOOK_BLOCK, func(mu uc.Unicorn, addr uint64, size uint32) {
			if glog.L != nil {
				glog.L.Debug("block", glog.Addr(uint32(addr)), zap.Uint32("size", size))
			}
		}, 1, 0)
		if err != nil {
			return fmt.Errorf("hook blocks: %w", err)
		}
	}
	return nil
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// Image returns what was loaded at construction, or nil.
func (e *Emulator) Image() *Image {
	return e.img
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint32) error {
	return e.mu.MemMap(uint64(addr), uint64(size))
}

// ReadMem fills buf from emulated memory.
func (e *Emulator) ReadMem(addr uint32, buf []byte) error {
	data, err := e.mu.MemRead(uint64(addr), uint64(len(buf)))
	if err != nil {
		return fmt.Errorf("read 0x%x+%d: %w", addr, len(buf), err)
	}
	copy(buf, data)
	return nil
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint32, data []byte) error {
	return e.mu.MemWrite(uint64(addr), data)
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return e.mu.MemWrite(uint64(addr), buf[:])
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint32) (uint32, error) {
	return machine.ReadU32(e, addr)
}

// ReadReg reads a register of the single ARM core.
func (e *Emulator) ReadReg(r machine.Reg) (uint32, error) {
	id, err := ucReg(r)
	if err != nil {
		return 0, err
	}
	v, err := e.mu.RegRead(id)
	if err != nil {
		return 0, fmt.Errorf("read %v: %w", r, err)
	}
	return uint32(v), nil
}

// WriteReg writes a register of the single ARM core.
func (e *Emulator) WriteReg(r machine.Reg, v uint32) error {
	id, err := ucReg(r)
	if err != nil {
		return err
	}
	if err := e.mu.RegWrite(id, uint64(v)); err != nil {
		return fmt.Errorf("write %v: %w", r, err)
	}
	return nil
}

// PC returns the program counter
func (e *Emulator) PC() uint32 {
	pc, _ := e.ReadReg(machine.PC)
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(v uint32) error {
	return e.WriteReg(machine.PC, v)
}

// ABI returns the ARM calling convention.
func (e *Emulator) ABI() machine.ABI { return machine.ARM }

// NumCPUs is always one; unicorn emulates a single core.
func (e *Emulator) NumCPUs() int { return 1 }

// CPU returns the core; i must be 0.
func (e *Emulator) CPU(i int) machine.CPU { return cpu{e} }

// CurrentCPU returns the core.
func (e *Emulator) CurrentCPU() machine.CPU { return cpu{e} }

type cpu struct{ e *Emulator }

func (c cpu) Index() int                             { return 0 }
func (c cpu) ReadReg(r machine.Reg) (uint32, error)  { return c.e.ReadReg(r) }
func (c cpu) WriteReg(r machine.Reg, v uint32) error { return c.e.WriteReg(r, v) }
func (c cpu) ReadArg(n int) (uint32, error)          { return machine.ARM.Arg(c, c.e, n) }
func (c cpu) ReturnAddress() (uint32, error)         { return c.e.ReadReg(machine.ARM.LR) }

// SetBreakpoint stops execution before the instruction at addr runs.
func (e *Emulator) SetBreakpoint(addr uint32) error {
	e.bpMu.Lock()
	defer e.bpMu.Unlock()
	if _, ok := e.breakpoints[addr]; ok {
		return nil
	}
	h, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, pc uint64, size uint32) {
		if e.skipSet && uint32(pc) == e.skip {
			e.skipSet = false
			return
		}
		mu.Stop()
	}, uint64(addr), uint64(addr))
	if err != nil {
		return fmt.Errorf("breakpoint at 0x%x: %w", addr, err)
	}
	e.breakpoints[addr] = h
	return nil
}

// RemoveBreakpoint deletes the breakpoint at addr if present.
func (e *Emulator) RemoveBreakpoint(addr uint32) error {
	e.bpMu.Lock()
	defer e.bpMu.Unlock()
	h, ok := e.breakpoints[addr]
	if !ok {
		return nil
	}
	delete(e.breakpoints, addr)
	if err := e.mu.HookDel(h); err != nil {
		return fmt.Errorf("remove breakpoint at 0x%x: %w", addr, err)
	}
	return nil
}

// Breakpoints returns the number of armed breakpoints.
func (e *Emulator) Breakpoints() int {
	e.bpMu.Lock()
	defer e.bpMu.Unlock()
	return len(e.breakpoints)
}

// LastInterrupt returns the interrupt number that ended the latest run, or
// -1 if it ended some other way.
func (e *Emulator) LastInterrupt() int {
	return e.lastIntr
}

// prepare arms skip-once for a breakpoint at the resume PC.
func (e *Emulator) prepare() uint32 {
	pc := e.PC()
	e.bpMu.Lock()
	_, atBreakpoint := e.breakpoints[pc]
	e.bpMu.Unlock()
	e.skip, e.skipSet = pc, atBreakpoint
	e.lastIntr = -1
	return pc
}

// Run resumes at the current PC until the next trap.
func (e *Emulator) Run() error {
	pc := e.prepare()
	if err := e.mu.Start(uint64(pc), RunUntil); err != nil {
		return fmt.Errorf("emulate from 0x%x (pc 0x%x): %w", pc, e.PC(), err)
	}
	return nil
}

// RunWithTimeout is Run bounded by d. It returns ErrTimeout when unicorn
// gave up before a trap.
func (e *Emulator) RunWithTimeout(d time.Duration) error {
	pc := e.prepare()
	usec := uint64(d / time.Microsecond)
	if usec == 0 {
		usec = 1
	}
	if err := e.mu.StartWithOptions(uint64(pc), RunUntil, &uc.UcOptions{Timeout: usec}); err != nil {
		return fmt.Errorf("emulate from 0x%x (pc 0x%x): %w", pc, e.PC(), err)
	}
	if timedOut, err := e.mu.Query(uc.QUERY_TIMEOUT); err == nil && timedOut != 0 {
		return ErrTimeout
	}
	return nil
}

// Stop asks a running emulation to halt. Safe to call from another goroutine.
func (e *Emulator) Stop() {
	_ = e.mu.Stop()
}

// Devices describes every mapped region.
func (e *Emulator) Devices() []string {
	regions, err := e.mu.MemRegions()
	if err != nil {
		return []string{"unicorn-arm32 (regions unavailable: " + err.Error() + ")"}
	}
	out := make([]string, 0, len(regions)+1)
	out = append(out, "cpu0 unicorn-arm32")
	for _, r := range regions {
		size := r.End - r.Begin + 1
		out = append(out, fmt.Sprintf("ram@0x%08x+%s %s", r.Begin, humanize.IBytes(size), perms(r.Prot)))
	}
	return out
}

func perms(p int) string {
	b := []byte("---")
	if p&uc.PROT_READ != 0 {
		b[0] = 'r'
	}
	if p&uc.PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if p&uc.PROT_EXEC != 0 {
		b[2] = 'x'
	}
	return string(b)
}
