package main

import (
	"fmt"
	"strings"

	"github.com/zboralski/firmhook/internal/emulator"
	"github.com/zboralski/firmhook/internal/symbols"
	"github.com/zboralski/firmhook/internal/trace"
	"github.com/zboralski/firmhook/internal/ui/colorize"
)

// formatHit renders one stop: address, instruction, tag, name and detail.
func formatHit(emu *emulator.Emulator, syms *symbols.Map, e *trace.Event) string {
	var b strings.Builder
	b.Grow(192)

	b.WriteString(colorize.Address(e.PC))
	b.WriteString("  ")

	visible := 0
	if emu != nil {
		if dis, err := emu.Disassemble(e.PC); err == nil {
			b.WriteString(colorize.Instruction(dis))
			visible = len(dis)
		}
	}
	const insnCol = 32
	for ; visible < insnCol; visible++ {
		b.WriteByte(' ')
	}

	if e.Tags.Has(trace.Unexpected) {
		b.WriteString(colorize.Error(e.Name))
		return b.String()
	}

	b.WriteString(colorize.Tag(e.PrimaryTag()))
	b.WriteByte(' ')
	b.WriteString(colorize.FuncName(e.Name))
	if e.CPU > 0 {
		b.WriteString(colorize.Detail(fmt.Sprintf(" cpu%d", e.CPU)))
	}
	if e.Detail != "" {
		b.WriteString("  ")
		b.WriteString(colorize.Detail(e.Detail))
	}
	if syms != nil {
		if fn, ok := syms.Lookup(e.PC); ok && fn != e.Name {
			b.WriteString(colorize.Detail(" <" + fn + ">"))
		}
	}
	return b.String()
}
