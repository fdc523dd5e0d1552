// Package config loads the firmware harness configuration document.
//
// The document is YAML; JSON documents are accepted as-is since JSON is a
// subset of YAML. Addresses are hexadecimal strings with an optional 0x
// prefix, counters are base-10. Any parse failure aborts startup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/firmhook/internal/hooks"
	"github.com/zboralski/firmhook/internal/machine"
	"github.com/zboralski/firmhook/internal/symbols"
)

// Path is the configuration file used when none is given.
const Path = "firmware_config.json"

// Defaults for optional fields.
const (
	DefaultCorpusDir    = "./corpus"
	DefaultCrashesDir   = "./crashes"
	DefaultMaxInputSize = 50
)

// Hex is a 32-bit value written as a hexadecimal string.
type Hex uint32

// ParseHex parses s as base-16 with an optional 0x prefix.
func ParseHex(s string) (uint32, error) {
	t := strings.TrimSpace(s)
	if len(t) >= 2 && t[0] == '0' && (t[1] == 'x' || t[1] == 'X') {
		t = t[2:]
	}
	if t == "" {
		return 0, fmt.Errorf("invalid hex %q: empty", s)
	}
	v, err := strconv.ParseUint(t, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return uint32(v), nil
}

func (h *Hex) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected hex scalar", n.Line)
	}
	v, err := ParseHex(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*h = Hex(v)
	return nil
}

func (h Hex) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("0x%x", uint32(h)), nil
}

// Decimal is a 32-bit unsigned value written in base 10, either as a string
// or a bare number.
type Decimal uint32

func (d *Decimal) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected decimal scalar", n.Line)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(n.Value), 10, 32)
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", n.Line, n.Value, err)
	}
	*d = Decimal(v)
	return nil
}

// Literal is a register value: hexadecimal with a 0x prefix, decimal otherwise.
type Literal uint32

func (l *Literal) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected literal scalar", n.Line)
	}
	s := strings.TrimSpace(n.Value)
	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		var h uint32
		h, err = ParseHex(s)
		v = uint64(h)
	} else {
		v, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return fmt.Errorf("line %d: invalid literal %q: %w", n.Line, n.Value, err)
	}
	*l = Literal(v)
	return nil
}

// Breakpoint is one Firmware Function Registry entry as written in the
// document. Register and Value parameterise PatchRegisterAndContinue, Target
// parameterises RedirectToFixedAddress.
type Breakpoint struct {
	Name     string   `yaml:"name"`
	Address  Hex      `yaml:"address"`
	Handler  string   `yaml:"handler"`
	Register string   `yaml:"register,omitempty"`
	Value    *Literal `yaml:"value,omitempty"`
	Target   *Hex     `yaml:"target,omitempty"`
}

// Symbol is a display-only name for [Start, End).
type Symbol struct {
	Name  string `yaml:"name"`
	Start Hex    `yaml:"start"`
	End   Hex    `yaml:"end"`
}

// Config is the harness configuration document.
type Config struct {
	Fuzz                    bool         `yaml:"fuzz"`
	FuzzTargetAddress       Hex          `yaml:"fuzz_target_address"`
	FuzzTargetReturnAddress Hex          `yaml:"fuzz_target_return_address"`
	Firmware                string       `yaml:"firmware"`
	EmulatorArgs            []string     `yaml:"emulator_args"`
	BrokerPort              Decimal      `yaml:"broker_port"`
	TimeoutSeconds          Decimal      `yaml:"timeout_seconds"`
	Cores                   Decimal      `yaml:"cores"`
	Breakpoints             []Breakpoint `yaml:"breakpoints"`
	Symbols                 []Symbol     `yaml:"symbols,omitempty"`
	CorpusDir               string       `yaml:"corpus_dir,omitempty"`
	CrashesDir              string       `yaml:"crashes_dir,omitempty"`
	MaxInputSize            Decimal      `yaml:"max_input_size,omitempty"`
}

// ErrMissingFirmware is returned when no firmware image is configured.
var ErrMissingFirmware = errors.New("firmware path is required")

// Load reads, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CorpusDir == "" {
		c.CorpusDir = DefaultCorpusDir
	}
	if c.CrashesDir == "" {
		c.CrashesDir = DefaultCrashesDir
	}
	if c.MaxInputSize == 0 {
		c.MaxInputSize = DefaultMaxInputSize
	}
	if c.Cores == 0 {
		c.Cores = 1
	}
}

// Validate checks cross-field constraints and that the registry can be built.
func (c *Config) Validate() error {
	if c.Firmware == "" {
		return ErrMissingFirmware
	}
	if c.Fuzz && c.TimeoutSeconds == 0 {
		return errors.New("timeout_seconds must be positive when fuzzing")
	}
	if c.Fuzz && c.FuzzTargetAddress == 0 {
		return errors.New("fuzz_target_address is required when fuzzing")
	}
	if c.Fuzz && c.FuzzTargetReturnAddress == 0 {
		return errors.New("fuzz_target_return_address is required when fuzzing")
	}
	if c.Fuzz && c.BrokerPort > 65535 {
		return fmt.Errorf("broker_port %d out of range", c.BrokerPort)
	}
	for i, s := range c.Symbols {
		if s.End <= s.Start {
			return fmt.Errorf("symbols[%d] (%s): empty range 0x%x-0x%x", i, s.Name, uint32(s.Start), uint32(s.End))
		}
	}
	_, err := c.Registry(machine.ARM)
	return err
}

// Registry builds the Firmware Function Registry in document order.
func (c *Config) Registry(abi machine.ABI) (*hooks.Registry, error) {
	fns := make([]hooks.FirmwareFunction, 0, len(c.Breakpoints))
	for i, bp := range c.Breakpoints {
		fn, err := bp.function(abi)
		if err != nil {
			return nil, fmt.Errorf("breakpoints[%d] (%s): %w", i, bp.Name, err)
		}
		fns = append(fns, fn)
	}
	return hooks.NewRegistry(fns)
}

func (bp Breakpoint) function(abi machine.ABI) (hooks.FirmwareFunction, error) {
	if bp.Name == "" {
		return hooks.FirmwareFunction{}, errors.New("name is required")
	}
	h, err := hooks.ParseHandler(bp.Handler)
	if err != nil {
		return hooks.FirmwareFunction{}, err
	}
	p := hooks.Policy{Handler: h}
	switch h {
	case hooks.PatchRegisterAndContinue:
		if bp.Register == "" || bp.Value == nil {
			return hooks.FirmwareFunction{}, fmt.Errorf("%v requires register and value", h)
		}
		reg, err := machine.ParseReg(bp.Register, abi)
		if err != nil {
			return hooks.FirmwareFunction{}, err
		}
		p.Register = reg
		p.Value = uint32(*bp.Value)
	case hooks.RedirectToFixedAddress:
		if bp.Target == nil {
			return hooks.FirmwareFunction{}, fmt.Errorf("%v requires target", h)
		}
		p.Target = uint32(*bp.Target)
	}
	return hooks.FirmwareFunction{Name: bp.Name, Address: uint32(bp.Address), Policy: p}, nil
}

// SymbolMap builds the display symbol map from configured ranges.
func (c *Config) SymbolMap() *symbols.Map {
	m := symbols.New()
	for _, s := range c.Symbols {
		m.Add(uint32(s.Start), uint32(s.End), s.Name)
	}
	return m
}
