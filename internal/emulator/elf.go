package emulator

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
)

// Image describes a loaded firmware image.
type Image struct {
	Path     string
	Format   string // "elf32" or "raw"
	Entry    uint32
	BaseAddr uint32 // Lowest loaded address
	EndAddr  uint32 // End of loaded memory
	Segments []Segment
}

// Segment represents a loaded ELF segment
type Segment struct {
	VAddr uint32
	Size  uint32 // File size
	MemSz uint32 // Memory size (may be larger due to .bss)
	Flags elf.ProgFlag
}

// LoadFile loads an ELF32 ARM image, or writes any other file verbatim at
// rawBase.
func (e *Emulator) LoadFile(path string, rawBase uint32) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read firmware: %w", err)
	}
	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		img, err := e.LoadELF(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		img.Path = path
		return img, nil
	}
	img, err := e.LoadRaw(data, rawBase)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.Path = path
	return img, nil
}

// LoadRaw writes a flat image at base. The entry point is base.
func (e *Emulator) LoadRaw(data []byte, base uint32) (*Image, error) {
	if err := e.ensureMapped(base, uint32(len(data))); err != nil {
		return nil, err
	}
	if err := e.MemWrite(base, data); err != nil {
		return nil, fmt.Errorf("write raw image at 0x%x: %w", base, err)
	}
	return &Image{
		Format:   "raw",
		Entry:    base,
		BaseAddr: base,
		EndAddr:  base + uint32(len(data)),
	}, nil
}

// LoadELF maps every PT_LOAD segment of a 32-bit ARM ELF at its virtual
// address.
func (e *Emulator) LoadELF(r *bytes.Reader) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("expected ELFCLASS32, got %v", f.Class)
	}
	if f.Machine != elf.EM_ARM {
		return nil, fmt.Errorf("expected ARM (EM_ARM), got %v", f.Machine)
	}

	img := &Image{
		Format:   "elf32",
		Entry:    uint32(f.Entry) &^ 1,
		BaseAddr: 0xFFFFFFFF,
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		vaddr := uint32(prog.Vaddr)
		memsz := uint32(prog.Memsz)

		if err := e.ensureMapped(vaddr, memsz); err != nil {
			return nil, err
		}

		if prog.Filesz > 0 {
			buf := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(buf, 0); err != nil {
				return nil, fmt.Errorf("read segment at 0x%x: %w", vaddr, err)
			}
			if err := e.MemWrite(vaddr, buf); err != nil {
				return nil, fmt.Errorf("write segment at 0x%x: %w", vaddr, err)
			}
		}

		// Zero out .bss portion (memory size > file size)
		if prog.Memsz > prog.Filesz {
			bss := make([]byte, prog.Memsz-prog.Filesz)
			if err := e.MemWrite(vaddr+uint32(prog.Filesz), bss); err != nil {
				return nil, fmt.Errorf("zero bss at 0x%x: %w", vaddr+uint32(prog.Filesz), err)
			}
		}

		img.Segments = append(img.Segments, Segment{
			VAddr: vaddr,
			Size:  uint32(prog.Filesz),
			MemSz: memsz,
			Flags: prog.Flags,
		})
		if vaddr < img.BaseAddr {
			img.BaseAddr = vaddr
		}
		if end := vaddr + memsz; end > img.EndAddr {
			img.EndAddr = end
		}
	}

	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("no PT_LOAD segments found")
	}
	return img, nil
}

// ensureMapped maps the pages of [addr, addr+size) that are not mapped yet.
func (e *Emulator) ensureMapped(addr, size uint32) error {
	if size == 0 {
		return nil
	}
	start := uint64(addr) &^ (PageSize - 1)
	end := (uint64(addr) + uint64(size) + PageSize - 1) &^ (PageSize - 1)

	regions, err := e.mu.MemRegions()
	if err != nil {
		return fmt.Errorf("query regions: %w", err)
	}
	mapped := func(page uint64) bool {
		for _, r := range regions {
			if page >= r.Begin && page <= r.End {
				return true
			}
		}
		return false
	}

	for page := start; page < end; {
		if mapped(page) {
			page += PageSize
			continue
		}
		run := page
		for run < end && !mapped(run) {
			run += PageSize
		}
		if err := e.mu.MemMap(page, run-page); err != nil {
			return fmt.Errorf("map 0x%x+0x%x: %w", page, run-page, err)
		}
		page = run
	}
	return nil
}
