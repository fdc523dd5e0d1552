// Package hooks intercepts firmware execution at configured addresses.
//
// A Registry lists the firmware functions of interest, each bound to one of a
// closed set of handler policies. The Dispatcher services every emulator stop:
// it finds the CPU whose program counter matches a registry entry and lets the
// Engine apply that entry's policy to it.
package hooks

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zboralski/firmhook/internal/machine"
)

// Handler is the closed set of intercept behaviours.
type Handler uint8

const (
	// PrintfIntercept formats a variadic logging call and returns to the caller.
	PrintfIntercept Handler = iota + 1
	// AdvanceOneInstruction skips one 4-byte instruction.
	AdvanceOneInstruction
	// ReturnToCaller skips the function body entirely.
	ReturnToCaller
	// PatchRegisterAndContinue writes a literal into a register in place.
	PatchRegisterAndContinue
	// RedirectToFixedAddress forces the program counter to a literal address.
	RedirectToFixedAddress
	// FatalAndReport prints a backtrace and terminates the process.
	FatalAndReport
	// NoOp records the hit only.
	NoOp
)

var handlerNames = map[Handler]string{
	PrintfIntercept:          "PrintfIntercept",
	AdvanceOneInstruction:    "AdvanceOneInstruction",
	ReturnToCaller:           "ReturnToCaller",
	PatchRegisterAndContinue: "PatchRegisterAndContinue",
	RedirectToFixedAddress:   "RedirectToFixedAddress",
	FatalAndReport:           "FatalAndReport",
	NoOp:                     "NoOp",
}

func (h Handler) String() string {
	if s, ok := handlerNames[h]; ok {
		return s
	}
	return fmt.Sprintf("Handler(%d)", uint8(h))
}

// ErrUnknownHandler is returned for unrecognised handler tags.
var ErrUnknownHandler = errors.New("unknown handler")

// ParseHandler maps a configuration tag to its Handler.
func ParseHandler(tag string) (Handler, error) {
	t := strings.TrimSpace(tag)
	for h, name := range handlerNames {
		if name == t {
			return h, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownHandler, tag)
}

// Policy is a Handler plus the literals the parameterised handlers need.
type Policy struct {
	Handler  Handler
	Register machine.Reg // PatchRegisterAndContinue
	Value    uint32      // PatchRegisterAndContinue
	Target   uint32      // RedirectToFixedAddress
}

func (p Policy) String() string {
	switch p.Handler {
	case PatchRegisterAndContinue:
		return fmt.Sprintf("%v(%v=0x%x)", p.Handler, p.Register, p.Value)
	case RedirectToFixedAddress:
		return fmt.Sprintf("%v(0x%08x)", p.Handler, p.Target)
	}
	return p.Handler.String()
}

// FirmwareFunction is one intercepted address.
type FirmwareFunction struct {
	Name    string
	Address uint32
	Policy  Policy
}

// ErrDuplicateAddress is returned when two entries share an address.
var ErrDuplicateAddress = errors.New("duplicate breakpoint address")

// Registry is the ordered, read-only set of firmware functions.
type Registry struct {
	fns []FirmwareFunction
}

// NewRegistry validates fns and returns a registry preserving their order.
func NewRegistry(fns []FirmwareFunction) (*Registry, error) {
	seen := make(map[uint32]string, len(fns))
	for _, fn := range fns {
		if _, ok := handlerNames[fn.Policy.Handler]; !ok {
			return nil, fmt.Errorf("%s: %w: %v", fn.Name, ErrUnknownHandler, fn.Policy.Handler)
		}
		if prev, dup := seen[fn.Address]; dup {
			return nil, fmt.Errorf("%w 0x%08x: %s and %s", ErrDuplicateAddress, fn.Address, prev, fn.Name)
		}
		seen[fn.Address] = fn.Name
	}
	return &Registry{fns: append([]FirmwareFunction(nil), fns...)}, nil
}

// Lookup returns the first entry whose address equals addr.
func (r *Registry) Lookup(addr uint32) (*FirmwareFunction, bool) {
	for i := range r.fns {
		if r.fns[i].Address == addr {
			return &r.fns[i], true
		}
	}
	return nil, false
}

// Functions returns a copy of the entries in configuration order.
func (r *Registry) Functions() []FirmwareFunction {
	return append([]FirmwareFunction(nil), r.fns...)
}

// Addresses returns the breakpoint addresses in configuration order.
func (r *Registry) Addresses() []uint32 {
	out := make([]uint32, len(r.fns))
	for i, fn := range r.fns {
		out[i] = fn.Address
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.fns)
}
