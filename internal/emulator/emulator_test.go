package emulator

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zboralski/firmhook/internal/machine"
)

const (
	insnMovR0_5 = 0xe3a00005 // mov r0, #5
	insnMovR1_3 = 0xe3a01003 // mov r1, #3
	insnAddR2   = 0xe0802001 // add r2, r0, r1
	insnBxLR    = 0xe12fff1e // bx lr
	insnNop     = 0xe1a00000 // mov r0, r0
	insnLoop    = 0xeafffffe // b .
	insnSvc     = 0xef000000 // svc #0
	insnStrR0R2 = 0xe5820000 // str r0, [r2]
	insnMovR0_7 = 0xe3a00007 // mov r0, #7
)

func words(ws ...uint32) []byte {
	buf := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return buf
}

// addTestCode: mov r0,#5; mov r1,#3; add r2,r0,r1; bx lr; nop
var addTestCode = words(insnMovR0_5, insnMovR1_3, insnAddR2, insnBxLR, insnNop)

func newTestEmulator(t *testing.T, code []byte) *Emulator {
	t.Helper()
	emu, err := New(&Options{Load: CodeBase})
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })

	if err := emu.MemWrite(CodeBase, code); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}
	if err := emu.SetPC(CodeBase); err != nil {
		t.Fatalf("Failed to set PC: %v", err)
	}
	return emu
}

func TestBreakpointStopsBeforeInstruction(t *testing.T) {
	emu := newTestEmulator(t, addTestCode)
	ret := uint32(CodeBase + 16)
	if err := emu.WriteReg(machine.R14, ret); err != nil {
		t.Fatalf("Failed to set LR: %v", err)
	}
	if err := emu.SetBreakpoint(CodeBase + 8); err != nil {
		t.Fatal(err)
	}
	if err := emu.SetBreakpoint(ret); err != nil {
		t.Fatal(err)
	}

	if err := emu.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pc := emu.PC(); pc != CodeBase+8 {
		t.Fatalf("PC = 0x%x, want 0x%x", pc, CodeBase+8)
	}
	r0, _ := emu.ReadReg(machine.R0)
	r2, _ := emu.ReadReg(machine.R2)
	if r0 != 5 || r2 != 0 {
		t.Errorf("r0=%d r2=%d, want r0=5 r2=0 before add", r0, r2)
	}

	// Resuming at a breakpoint must make progress past it.
	if err := emu.Run(); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if pc := emu.PC(); pc != ret {
		t.Fatalf("PC = 0x%x, want return address 0x%x", pc, ret)
	}
	if r2, _ := emu.ReadReg(machine.R2); r2 != 8 {
		t.Errorf("Expected r2=8, got r2=%d", r2)
	}
}

func TestRemoveBreakpoint(t *testing.T) {
	emu := newTestEmulator(t, addTestCode)
	ret := uint32(CodeBase + 16)
	emu.WriteReg(machine.R14, ret)
	emu.SetBreakpoint(CodeBase + 4)
	emu.SetBreakpoint(ret)

	if err := emu.RemoveBreakpoint(CodeBase + 4); err != nil {
		t.Fatal(err)
	}
	if n := emu.Breakpoints(); n != 1 {
		t.Fatalf("Breakpoints() = %d, want 1", n)
	}
	if err := emu.Run(); err != nil {
		t.Fatal(err)
	}
	if pc := emu.PC(); pc != ret {
		t.Errorf("PC = 0x%x, want 0x%x", pc, ret)
	}
	if err := emu.RemoveBreakpoint(0x1234); err != nil {
		t.Errorf("removing an unknown breakpoint: %v", err)
	}
}

func TestRunWithTimeout(t *testing.T) {
	emu := newTestEmulator(t, words(insnLoop))
	err := emu.RunWithTimeout(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("RunWithTimeout = %v, want ErrTimeout", err)
	}
}

func TestRunFault(t *testing.T) {
	emu := newTestEmulator(t, addTestCode)
	emu.WriteReg(machine.R14, 0xdead0000)
	if err := emu.Run(); err == nil {
		t.Fatal("expected fetch from unmapped memory to fail")
	}
}

func TestInterruptStops(t *testing.T) {
	emu := newTestEmulator(t, words(insnNop, insnSvc, insnNop))
	if err := emu.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if emu.LastInterrupt() < 0 {
		t.Error("expected an interrupt to be recorded")
	}
}

func TestSnapshotRestore(t *testing.T) {
	data := uint32(CodeBase + 0x100)
	// mov r0,#7; str r0,[r2]; nop
	emu := newTestEmulator(t, words(insnMovR0_7, insnStrR0R2, insnNop))
	emu.WriteReg(machine.R2, data)
	emu.MemWriteU32(data, 0x11111111)
	emu.SetBreakpoint(CodeBase + 8)

	snap, err := emu.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.PC() != CodeBase {
		t.Errorf("snapshot PC = 0x%x", snap.PC())
	}

	if err := emu.Run(); err != nil {
		t.Fatal(err)
	}
	if v, _ := emu.MemReadU32(data); v != 7 {
		t.Fatalf("store did not happen: 0x%x", v)
	}

	if err := emu.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if v, _ := emu.MemReadU32(data); v != 0x11111111 {
		t.Errorf("memory not restored: 0x%x", v)
	}
	if pc := emu.PC(); pc != CodeBase {
		t.Errorf("PC not restored: 0x%x", pc)
	}
	if r0, _ := emu.ReadReg(machine.R0); r0 != 0 {
		t.Errorf("r0 not restored: %d", r0)
	}
}

func TestCoverage(t *testing.T) {
	emu := newTestEmulator(t, addTestCode)
	emu.WriteReg(machine.R14, CodeBase+16)
	emu.SetBreakpoint(CodeBase + 16)

	bitmap := make([]byte, 1<<16)
	if err := emu.EnableCoverage(bitmap); err != nil {
		t.Fatal(err)
	}
	if err := emu.Run(); err != nil {
		t.Fatal(err)
	}
	hits := 0
	for _, b := range bitmap {
		if b != 0 {
			hits++
		}
	}
	if hits == 0 {
		t.Error("no edges recorded")
	}

	if err := emu.EnableCoverage(make([]byte, 100)); err == nil {
		t.Error("expected non power of two map to be rejected")
	}
}

func TestDisassemble(t *testing.T) {
	emu := newTestEmulator(t, addTestCode)
	got, err := emu.Disassemble(CodeBase)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(strings.ToLower(got), "mov") {
		t.Errorf("Disassemble = %q, want mov", got)
	}
}

func TestDevices(t *testing.T) {
	emu := newTestEmulator(t, nil)
	devs := emu.Devices()
	if len(devs) < 3 {
		t.Fatalf("Devices = %v, want cpu plus code and stack regions", devs)
	}
	if !strings.Contains(strings.Join(devs, "\n"), "ram@0x00010000") {
		t.Errorf("code region missing: %v", devs)
	}
}

func TestUnsupportedRegister(t *testing.T) {
	emu := newTestEmulator(t, nil)
	if _, err := emu.ReadReg(machine.R20); !errors.Is(err, ErrUnsupportedRegister) {
		t.Errorf("ReadReg(r20) = %v, want ErrUnsupportedRegister", err)
	}
}

func TestCPUArgs(t *testing.T) {
	emu := newTestEmulator(t, nil)
	sp, _ := emu.ReadReg(machine.R13)
	emu.WriteReg(machine.R1, 0xaa)
	emu.MemWriteU32(sp+4, 0xbb)

	cpu := emu.CurrentCPU()
	if v, _ := cpu.ReadArg(1); v != 0xaa {
		t.Errorf("arg1 = 0x%x", v)
	}
	if v, _ := cpu.ReadArg(5); v != 0xbb {
		t.Errorf("arg5 = 0x%x, want stack slot 1", v)
	}
}

func TestLoadRawFirmware(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.bin")
	if err := os.WriteFile(path, addTestCode, 0o644); err != nil {
		t.Fatal(err)
	}
	opts, err := ParseArgs(path, []string{"--map", "0x20000:0x10000", "--load", "0x20000"})
	if err != nil {
		t.Fatal(err)
	}
	emu, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer emu.Close()

	if img := emu.Image(); img.Format != "raw" || img.Entry != 0x20000 {
		t.Errorf("image = %+v", img)
	}
	if pc := emu.PC(); pc != 0x20000 {
		t.Errorf("PC = 0x%x, want load address", pc)
	}
}
