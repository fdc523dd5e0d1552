// Package machinetest provides a scripted in-memory machine.Machine for tests.
package machinetest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/zboralski/firmhook/internal/machine"
)

// ErrNoMoreStops is returned by Run once the stop script is exhausted.
var ErrNoMoreStops = errors.New("machinetest: no more scripted stops")

// Stop is one scripted trap. Run moves CPU's PC to PC (and any extra PCs) or
// fails with Err. Timeout makes RunWithTimeout report machine.ErrTimeout.
type Stop struct {
	CPU     int
	PC      uint32
	PCs     map[int]uint32
	Err     error
	Timeout bool
}

// CPU is a register file.
type CPU struct {
	m    *Machine
	idx  int
	Regs [machine.NumGPR + 1]uint32
	// FailReads makes ReadReg fail for the listed registers.
	FailReads map[machine.Reg]bool
}

func (c *CPU) Index() int { return c.idx }

func (c *CPU) ReadReg(r machine.Reg) (uint32, error) {
	if r < 0 || int(r) >= len(c.Regs) {
		return 0, fmt.Errorf("%w: %v", machine.ErrUnknownRegister, r)
	}
	if c.FailReads[r] {
		return 0, fmt.Errorf("machinetest: read %v on cpu %d failed", r, c.idx)
	}
	return c.Regs[r], nil
}

func (c *CPU) WriteReg(r machine.Reg, v uint32) error {
	if r < 0 || int(r) >= len(c.Regs) {
		return fmt.Errorf("%w: %v", machine.ErrUnknownRegister, r)
	}
	c.m.Writes++
	c.Regs[r] = v
	return nil
}

func (c *CPU) ReadArg(n int) (uint32, error) {
	return c.m.abi.Arg(c, c.m, n)
}

func (c *CPU) ReturnAddress() (uint32, error) {
	return c.ReadReg(c.m.abi.LR)
}

// Machine is a scripted machine.Machine.
type Machine struct {
	abi     machine.ABI
	cpus    []*CPU
	Current int

	mem map[uint32]byte

	Breakpoints map[uint32]bool
	Script      []Stop

	Runs      int
	Snapshots int
	Restores  int
	Writes    int
	// RunsAfterSnapshot counts Run calls made after the first snapshot.
	RunsAfterSnapshot int
	// LastTimeout is the budget passed to the latest RunWithTimeout.
	LastTimeout time.Duration
}

// New returns a machine with n CPUs using the ARM ABI.
func New(n int) *Machine {
	m := &Machine{
		abi:         machine.ARM,
		mem:         make(map[uint32]byte),
		Breakpoints: make(map[uint32]bool),
	}
	for i := 0; i < n; i++ {
		m.cpus = append(m.cpus, &CPU{m: m, idx: i})
	}
	return m
}

// Cpu returns the concrete CPU i for test setup.
func (m *Machine) Cpu(i int) *CPU { return m.cpus[i] }

// Load maps data at addr.
func (m *Machine) Load(addr uint32, data []byte) {
	for i, b := range data {
		m.mem[addr+uint32(i)] = b
	}
}

// LoadU32 maps a little-endian word at addr.
func (m *Machine) LoadU32(addr, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.Load(addr, buf[:])
}

// LoadString maps a NUL-terminated string at addr.
func (m *Machine) LoadString(addr uint32, s string) {
	m.Load(addr, append([]byte(s), 0))
}

func (m *Machine) ReadMem(addr uint32, buf []byte) error {
	for i := range buf {
		b, ok := m.mem[addr+uint32(i)]
		if !ok {
			return fmt.Errorf("machinetest: unmapped read at 0x%x", addr+uint32(i))
		}
		buf[i] = b
	}
	return nil
}

func (m *Machine) ABI() machine.ABI        { return m.abi }
func (m *Machine) NumCPUs() int            { return len(m.cpus) }
func (m *Machine) CPU(i int) machine.CPU   { return m.cpus[i] }
func (m *Machine) CurrentCPU() machine.CPU { return m.cpus[m.Current] }

func (m *Machine) SetBreakpoint(addr uint32) error {
	m.Breakpoints[addr] = true
	return nil
}

func (m *Machine) RemoveBreakpoint(addr uint32) error {
	delete(m.Breakpoints, addr)
	return nil
}

func (m *Machine) Run() error {
	m.Runs++
	if m.Snapshots > 0 {
		m.RunsAfterSnapshot++
	}
	if len(m.Script) == 0 {
		return ErrNoMoreStops
	}
	s := m.Script[0]
	m.Script = m.Script[1:]
	if s.Err != nil {
		return s.Err
	}
	if s.Timeout {
		return machine.ErrTimeout
	}
	m.Current = s.CPU
	m.cpus[s.CPU].Regs[machine.PC] = s.PC
	for i, pc := range s.PCs {
		m.cpus[i].Regs[machine.PC] = pc
	}
	return nil
}

// RunWithTimeout is Run with a recorded budget.
func (m *Machine) RunWithTimeout(d time.Duration) error {
	m.LastTimeout = d
	return m.Run()
}

type snapshot struct {
	pc   uint32
	regs [][machine.NumGPR + 1]uint32
	mem  map[uint32]byte
}

func (s *snapshot) PC() uint32 { return s.pc }

func (m *Machine) Snapshot() (machine.Snapshot, error) {
	m.Snapshots++
	s := &snapshot{pc: m.cpus[m.Current].Regs[machine.PC], mem: make(map[uint32]byte, len(m.mem))}
	for _, c := range m.cpus {
		s.regs = append(s.regs, c.Regs)
	}
	for k, v := range m.mem {
		s.mem[k] = v
	}
	return s, nil
}

func (m *Machine) Restore(snap machine.Snapshot) error {
	s, ok := snap.(*snapshot)
	if !ok {
		return fmt.Errorf("machinetest: foreign snapshot %T", snap)
	}
	m.Restores++
	for i, c := range m.cpus {
		c.Regs = s.regs[i]
	}
	m.mem = make(map[uint32]byte, len(s.mem))
	for k, v := range s.mem {
		m.mem[k] = v
	}
	return nil
}

func (m *Machine) Devices() []string {
	return []string{fmt.Sprintf("machinetest cpus=%d breakpoints=%d", len(m.cpus), len(m.Breakpoints))}
}
