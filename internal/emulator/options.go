package emulator

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Default memory layout used when the boot arguments do not describe one.
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB for firmware
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	PageSize  = 0x1000
)

// Region is one RAM mapping.
type Region struct {
	Base uint32
	Size uint32
}

func (r Region) String() string {
	return fmt.Sprintf("0x%x:0x%x", r.Base, r.Size)
}

// Options describes how to bring up the emulated target.
type Options struct {
	Firmware string
	Regions  []Region
	// Load is where a raw (non-ELF) image is written.
	Load uint32
	// Entry overrides the image entry point when HasEntry is set.
	Entry    uint32
	HasEntry bool
	SP       uint32
	HasSP    bool
	// Trace logs every basic block at debug level.
	Trace bool
}

// ParseArgs builds Options from the configured firmware path and the raw
// emulator argument strings.
//
// Recognised arguments:
//
//	--map base:size   map a RAM region (repeatable)
//	--load addr       load address for raw images
//	--entry addr      override the entry point
//	--sp addr         initial stack pointer (its region must be mapped)
//	--trace           log basic blocks
func ParseArgs(firmware string, args []string) (*Options, error) {
	fs := pflag.NewFlagSet("emulator", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	maps := fs.StringArray("map", nil, "map a RAM region base:size")
	load := fs.String("load", "", "raw image load address")
	entry := fs.String("entry", "", "entry point")
	sp := fs.String("sp", "", "initial stack pointer")
	trace := fs.Bool("trace", false, "log basic blocks")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("emulator args: %w", err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("emulator args: unexpected argument %q", fs.Arg(0))
	}

	opts := &Options{Firmware: firmware, Load: CodeBase, Trace: *trace}
	for _, m := range *maps {
		r, err := parseRegion(m)
		if err != nil {
			return nil, fmt.Errorf("emulator args: --map %q: %w", m, err)
		}
		opts.Regions = append(opts.Regions, r)
	}

	var err error
	if *load != "" {
		if opts.Load, err = parseAddr(*load); err != nil {
			return nil, fmt.Errorf("emulator args: --load: %w", err)
		}
	}
	if *entry != "" {
		if opts.Entry, err = parseAddr(*entry); err != nil {
			return nil, fmt.Errorf("emulator args: --entry: %w", err)
		}
		opts.HasEntry = true
	}
	if *sp != "" {
		if opts.SP, err = parseAddr(*sp); err != nil {
			return nil, fmt.Errorf("emulator args: --sp: %w", err)
		}
		opts.HasSP = true
	}
	return opts, nil
}

func parseRegion(s string) (Region, error) {
	base, size, ok := strings.Cut(s, ":")
	if !ok {
		return Region{}, fmt.Errorf("want base:size")
	}
	b, err := parseAddr(base)
	if err != nil {
		return Region{}, err
	}
	n, err := parseAddr(size)
	if err != nil {
		return Region{}, err
	}
	if n == 0 {
		return Region{}, fmt.Errorf("empty region")
	}
	if b%PageSize != 0 || n%PageSize != 0 {
		return Region{}, fmt.Errorf("region must be 0x%x aligned", PageSize)
	}
	return Region{Base: b, Size: n}, nil
}

// parseAddr parses a hexadecimal address with an optional 0x prefix.
func parseAddr(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
