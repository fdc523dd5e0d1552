// Package symbols maps firmware address ranges to function names for display.
package symbols

import (
	"debug/elf"
	"fmt"
	"sort"
)

// Symbol is a half-open address range [Start, End) carrying a name.
type Symbol struct {
	Start uint32
	End   uint32
	Name  string
}

// Map is an append-only list of symbols. Lookup returns the first range that
// contains an address, so earlier entries shadow later overlapping ones.
type Map struct {
	syms []Symbol
}

// New creates an empty symbol map.
func New() *Map {
	return &Map{}
}

// Add appends a symbol range.
func (m *Map) Add(start, end uint32, name string) {
	m.syms = append(m.syms, Symbol{Start: start, End: end, Name: name})
}

// Lookup returns the name of the first range containing addr.
func (m *Map) Lookup(addr uint32) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, s := range m.syms {
		if addr >= s.Start && addr < s.End {
			return s.Name, true
		}
	}
	return "", false
}

// Len returns the number of symbols.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.syms)
}

// Symbols returns a copy of the entries in insertion order.
func (m *Map) Symbols() []Symbol {
	return append([]Symbol(nil), m.syms...)
}

// AddELF appends every sized function symbol of a 32-bit ELF image, sorted
// by address. It returns the number of symbols added.
func (m *Map) AddELF(path string) (int, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return 0, fmt.Errorf("expected ELF32, got %v", f.Class)
	}

	syms, err := f.Symbols()
	if err != nil {
		// stripped images only carry dynamic symbols
		syms, err = f.DynamicSymbols()
		if err != nil {
			return 0, nil
		}
	}

	var funcs []Symbol
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 || s.Name == "" {
			continue
		}
		// bit 0 marks Thumb entry points
		start := uint32(s.Value) &^ 1
		funcs = append(funcs, Symbol{Start: start, End: start + uint32(s.Size), Name: s.Name})
	}
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Start < funcs[j].Start })
	m.syms = append(m.syms, funcs...)
	return len(funcs), nil
}
