package emulator

import (
	"fmt"

	"golang.org/x/arch/arm/armasm"
)

// Disassemble decodes the ARM instruction at addr.
func (e *Emulator) Disassemble(addr uint32) (string, error) {
	var buf [4]byte
	if err := e.ReadMem(addr, buf[:]); err != nil {
		return "", err
	}
	return DisassembleWord(buf[:])
}

// DisassembleWord decodes one little-endian ARM instruction in GNU syntax.
func DisassembleWord(code []byte) (string, error) {
	inst, err := armasm.Decode(code, armasm.ModeARM)
	if err != nil {
		return "", fmt.Errorf("decode %x: %w", code, err)
	}
	return armasm.GNUSyntax(inst), nil
}
