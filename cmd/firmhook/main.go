package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/firmhook/internal/boot"
	"github.com/zboralski/firmhook/internal/config"
	"github.com/zboralski/firmhook/internal/emulator"
	"github.com/zboralski/firmhook/internal/hooks"
	glog "github.com/zboralski/firmhook/internal/log"
	"github.com/zboralski/firmhook/internal/symbols"
	"github.com/zboralski/firmhook/internal/trace"
	"github.com/zboralski/firmhook/internal/ui/colorize"
	"github.com/zboralski/firmhook/internal/ui/console"
)

var (
	configPath string
	verbose    bool
	noColor    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "firmhook",
		Short: "Breakpoint-driven firmware emulation and fuzzing harness",
		Long: `Firmhook boots an ARM32 firmware image under emulation and steers it with
breakpoints on known firmware functions.

Each configured breakpoint carries a handler policy: intercept a printf-style
logging call, skip an instruction, return to the caller, patch a register,
redirect to a fixed address, or stop with a backtrace. The harness boots the
firmware until initialisation completes (or a fuzz target is reached), takes a
snapshot, and in fuzz mode replays a coverage-guided campaign from it.

Without a subcommand the configuration's "fuzz" field picks between fuzz and run.

Examples:
  firmhook                              # fuzz or run per firmware_config.json
  firmhook boot -c board.yaml           # boot to the snapshot point and report
  firmhook run -v                       # free-running dispatch loop, debug logs
  firmhook info                         # memory map and registry`,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		RunE:              runAuto,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", config.Path, "configuration document (YAML or JSON)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "boot",
			Short: "Boot to the snapshot point and report",
			Args:  cobra.NoArgs,
			RunE:  runBoot,
		},
		&cobra.Command{
			Use:   "run",
			Short: "Run and dispatch breakpoints until interrupted",
			Args:  cobra.NoArgs,
			RunE:  runLoop,
		},
		newFuzzCmd(),
		&cobra.Command{
			Use:   "info",
			Short: "Show the memory map, image and breakpoint registry",
			Args:  cobra.NoArgs,
			RunE:  showInfo,
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error("error:")+" "+err.Error())
		os.Exit(1)
	}
}

func setup(*cobra.Command, []string) error {
	glog.Init(verbose)
	if noColor {
		colorize.Disable()
	}
	return nil
}

func runAuto(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Fuzz {
		return fuzzWith(cmd.Context(), cfg, fuzzFlags{})
	}
	return loopWith(cmd.Context(), cfg)
}

// target is one fully wired emulator: symbols, registry, engine and
// dispatcher over a freshly booted unicorn instance.
type target struct {
	emu        *emulator.Emulator
	syms       *symbols.Map
	registry   *hooks.Registry
	engine     *hooks.Engine
	dispatcher *hooks.Dispatcher
}

func newTarget(cfg *config.Config) (*target, error) {
	opts, err := emulator.ParseArgs(cfg.Firmware, cfg.EmulatorArgs)
	if err != nil {
		return nil, fmt.Errorf("emulator_args: %w", err)
	}
	emu, err := emulator.New(opts)
	if err != nil {
		return nil, fmt.Errorf("create emulator: %w", err)
	}

	syms := cfg.SymbolMap()
	if img := emu.Image(); img != nil && img.Format == "elf32" {
		n, err := syms.AddELF(img.Path)
		if err != nil {
			glog.L.Warn("firmware symbols", zap.Error(err))
		} else {
			glog.L.Debug("firmware symbols", zap.Int("count", n))
		}
	}

	reg, err := cfg.Registry(emu.ABI())
	if err != nil {
		emu.Close()
		return nil, err
	}
	engine := hooks.NewEngine(emu, syms)
	return &target{
		emu:        emu,
		syms:       syms,
		registry:   reg,
		engine:     engine,
		dispatcher: hooks.NewDispatcher(emu, reg, engine),
	}, nil
}

func (t *target) Close() error { return t.emu.Close() }

// watch prints every dispatched stop and records it in stats. Engine output
// shares the writer so a fatal backtrace follows the hits that led to it and
// is flushed before exit.
func (t *target) watch(out *console.Writer, stats *trace.Stats) {
	t.engine.Out = out
	t.dispatcher.OnHit = func(e *trace.Event) {
		stats.Record(e)
		out.Line(formatHit(t.emu, t.syms, e))
	}
}

func runBoot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	t, err := newTarget(cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	printHeader(cfg, t)
	out := console.New(os.Stdout)
	stats := trace.NewStats()
	t.watch(out, stats)

	seq := boot.New(t.emu, t.dispatcher, cfg.Fuzz, uint32(cfg.FuzzTargetAddress))
	snap, err := seq.Boot()
	out.Close()
	if err != nil {
		printSummary(stats, err)
		return err
	}
	printSummary(stats, nil)
	fmt.Printf("%s %s at %s after %d stops\n",
		colorize.Header("▶"),
		colorize.FuncName(seq.Outcome.String()),
		colorize.Address(snap.PC()),
		seq.Stops)
	return nil
}

func runLoop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	return loopWith(cmd.Context(), cfg)
}

func loopWith(ctx context.Context, cfg *config.Config) error {
	t, err := newTarget(cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	printHeader(cfg, t)
	out := console.New(os.Stdout)
	stats := trace.NewStats()
	t.watch(out, stats)

	ctx, stop := signalContext(ctx)
	defer stop()

	err = boot.New(t.emu, t.dispatcher, false, 0).RunLoop(ctx)
	out.Close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	printSummary(stats, err)
	return err
}

func showInfo(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	t, err := newTarget(cfg)
	if err != nil {
		return err
	}
	defer t.Close()

	printHeader(cfg, t)

	fmt.Println(colorize.Header("Devices"))
	for _, d := range t.emu.Devices() {
		fmt.Printf("  %s\n", d)
	}

	if img := t.emu.Image(); img != nil && len(img.Segments) > 0 {
		fmt.Println(colorize.Header("Segments"))
		for _, s := range img.Segments {
			fmt.Printf("  %s  filesz=0x%x memsz=0x%x %v\n", colorize.Address(s.VAddr), s.Size, s.MemSz, s.Flags)
		}
	}

	fmt.Println(colorize.Header("Breakpoints"))
	for _, fn := range t.registry.Functions() {
		dis, err := t.emu.Disassemble(fn.Address)
		if err != nil {
			dis = "??"
		}
		fmt.Printf("  %s  %-28s %-24s %s\n",
			colorize.Address(fn.Address),
			colorize.FuncName(fn.Name),
			colorize.Tag(fn.Policy.String()),
			colorize.Instruction(dis))
	}
	if cfg.Fuzz {
		fmt.Printf("%s %s  %s %s\n",
			colorize.Detail("Fuzz target:"), colorize.Address(uint32(cfg.FuzzTargetAddress)),
			colorize.Detail("returns to:"), colorize.Address(uint32(cfg.FuzzTargetReturnAddress)))
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printHeader(cfg *config.Config, t *target) {
	firmware := cfg.Firmware
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, firmware); err == nil && !strings.HasPrefix(rel, "..") {
			firmware = rel
		}
	}
	fmt.Println()
	fmt.Printf("%s firmhook ─ ARM32 firmware harness\n", colorize.Header("▶"))
	fmt.Printf("  %s %s\n", colorize.Detail("Loading:"), firmware)
	if img := t.emu.Image(); img != nil {
		fmt.Printf("  %s %s  %s %s  %s %s\n",
			colorize.Detail("Base:"), colorize.Address(img.BaseAddr),
			colorize.Detail("End:"), colorize.Address(img.EndAddr),
			colorize.Detail("Entry:"), colorize.Address(img.Entry))
	}
	fmt.Printf("  %s %s  %s %s\n",
		colorize.Detail("Symbols:"), colorize.FuncName(fmt.Sprintf("%d", t.syms.Len())),
		colorize.Detail("Breakpoints:"), colorize.FuncName(fmt.Sprintf("%d", t.registry.Len())))
	fmt.Println()
}

func printSummary(stats *trace.Stats, err error) {
	fmt.Println()
	for _, h := range stats.Hits() {
		fmt.Printf("  %6d  %s %s\n", h.Count, colorize.Tag("#"+string(h.Tag)), colorize.FuncName(h.Name))
	}
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s stops", colorize.FuncName(fmt.Sprintf("%d", stats.Total())))
	if err != nil {
		fmt.Printf("  %s", colorize.Error(err.Error()))
	}
	fmt.Println()
}
