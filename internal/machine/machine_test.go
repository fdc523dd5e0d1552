package machine

import (
	"errors"
	"fmt"
	"testing"
)

type flatMem map[uint32]byte

func (m flatMem) ReadMem(addr uint32, buf []byte) error {
	for i := range buf {
		b, ok := m[addr+uint32(i)]
		if !ok {
			return fmt.Errorf("unmapped 0x%x", addr+uint32(i))
		}
		buf[i] = b
	}
	return nil
}

type regs map[Reg]uint32

func (r regs) ReadReg(reg Reg) (uint32, error) { return r[reg], nil }

func TestParseReg(t *testing.T) {
	tests := []struct {
		in   string
		want Reg
	}{
		{"r0", R0},
		{"R3", R3},
		{"r31", R31},
		{"pc", PC},
		{"sp", R13},
		{"fp", R11},
		{"lr", R14},
	}
	for _, tt := range tests {
		got, err := ParseReg(tt.in, ARM)
		if err != nil {
			t.Fatalf("ParseReg(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseReg(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "r32", "x0", "r-1"} {
		if _, err := ParseReg(bad, ARM); !errors.Is(err, ErrUnknownRegister) {
			t.Errorf("ParseReg(%q) err = %v, want ErrUnknownRegister", bad, err)
		}
	}
}

func TestABIArgStackSlots(t *testing.T) {
	mem := flatMem{}
	for i, b := range []byte{0x78, 0x56, 0x34, 0x12, 0xef, 0xbe, 0xad, 0xde} {
		mem[0x1000+uint32(i)] = b
	}
	r := regs{R0: 10, R1: 11, R2: 12, R3: 13, R13: 0x1000}

	for n, want := range []uint32{10, 11, 12, 13, 0x12345678, 0xdeadbeef} {
		got, err := ARM.Arg(r, mem, n)
		if err != nil {
			t.Fatalf("Arg(%d): %v", n, err)
		}
		if got != want {
			t.Errorf("Arg(%d) = 0x%x, want 0x%x", n, got, want)
		}
	}
	if _, err := ARM.Arg(r, mem, 6); err == nil {
		t.Error("Arg(6) should fail on unmapped stack")
	}
}

func TestHarnessRegs(t *testing.T) {
	got := ARM.HarnessRegs()
	want := []Reg{R0, R1, R2, R3, R4, R5}
	if len(got) != len(want) {
		t.Fatalf("HarnessRegs len = %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("HarnessRegs[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReadCString(t *testing.T) {
	mem := flatMem{}
	for i, b := range []byte("hello\x00junk") {
		mem[0x2000+uint32(i)] = b
	}
	data, ok, err := ReadCString(mem, 0x2000, 100)
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if !ok || string(data) != "hello" {
		t.Errorf("ReadCString = %q ok=%v, want \"hello\" ok=true", data, ok)
	}

	// no terminator before the mapping ends
	mem2 := flatMem{}
	for i := 0; i < 8; i++ {
		mem2[0x3000+uint32(i)] = 'A'
	}
	data, ok, err = ReadCString(mem2, 0x3000, 100)
	if err == nil || ok {
		t.Errorf("ReadCString past mapping: ok=%v err=%v data=%q", ok, err, data)
	}
}
