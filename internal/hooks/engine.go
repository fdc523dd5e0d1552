package hooks

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	glog "github.com/zboralski/firmhook/internal/log"
	"github.com/zboralski/firmhook/internal/machine"
	"github.com/zboralski/firmhook/internal/symbols"
	"github.com/zboralski/firmhook/internal/trace"
	"github.com/zboralski/firmhook/internal/ui/colorize"
	"github.com/zboralski/firmhook/internal/unwind"
)

// FatalExitCode is the process exit status raised by FatalAndReport.
const FatalExitCode = 1337

// InstructionSize is the fixed instruction width AdvanceOneInstruction skips.
const InstructionSize = 4

// PrintfPrefix starts every introspected logging line.
const PrintfPrefix = "INTROSPECTED println | "

// Engine applies handler policies to a CPU.
type Engine struct {
	Mem     machine.Memory
	ABI     machine.ABI
	Symbols *symbols.Map
	Out     io.Writer

	// Exit terminates the process. FatalAndReport is the only caller.
	Exit func(code int)
	// OnFatal runs after the backtrace is printed and before Exit.
	OnFatal func(fn *FirmwareFunction, backtrace string)
}

// NewEngine returns an engine writing to stdout and exiting via os.Exit.
func NewEngine(m machine.Machine, syms *symbols.Map) *Engine {
	return &Engine{
		Mem:     m,
		ABI:     m.ABI(),
		Symbols: syms,
		Out:     os.Stdout,
		Exit:    os.Exit,
	}
}

// Result describes what a policy did, for tracing.
type Result struct {
	Tag    trace.Tag
	Detail string
}

// Apply runs fn's policy against cpu.
func (e *Engine) Apply(cpu machine.CPU, fn *FirmwareFunction) (Result, error) {
	p := fn.Policy
	switch p.Handler {
	case PrintfIntercept:
		line, err := e.introspectPrintf(cpu)
		return Result{Tag: trace.Printf, Detail: line}, err

	case AdvanceOneInstruction:
		pc, err := cpu.ReadReg(machine.PC)
		if err != nil {
			return Result{}, fmt.Errorf("read pc: %w", err)
		}
		next := pc + InstructionSize
		return Result{Tag: trace.Advance, Detail: glog.Hex(next)}, e.setPC(cpu, next)

	case ReturnToCaller:
		ret, err := e.returnToCaller(cpu)
		return Result{Tag: trace.Return, Detail: glog.Hex(ret)}, err

	case PatchRegisterAndContinue:
		if err := cpu.WriteReg(p.Register, p.Value); err != nil {
			return Result{}, fmt.Errorf("write %v: %w", p.Register, err)
		}
		return Result{Tag: trace.Patch, Detail: fmt.Sprintf("%v=0x%x", p.Register, p.Value)}, nil

	case RedirectToFixedAddress:
		return Result{Tag: trace.Redirect, Detail: glog.Hex(p.Target)}, e.setPC(cpu, p.Target)

	case FatalAndReport:
		e.fatal(cpu, fn)
		return Result{Tag: trace.Fatal}, nil

	case NoOp:
		return Result{Tag: trace.NoOp}, nil
	}
	return Result{}, fmt.Errorf("%s: %w: %v", fn.Name, ErrUnknownHandler, p.Handler)
}

func (e *Engine) setPC(cpu machine.CPU, pc uint32) error {
	if err := cpu.WriteReg(machine.PC, pc); err != nil {
		return fmt.Errorf("write pc: %w", err)
	}
	return nil
}

func (e *Engine) returnToCaller(cpu machine.CPU) (uint32, error) {
	ret, err := cpu.ReturnAddress()
	if err != nil {
		return 0, fmt.Errorf("read return address: %w", err)
	}
	return ret, e.setPC(cpu, ret)
}

func (e *Engine) introspectPrintf(cpu machine.CPU) (string, error) {
	fmtPtr, err := cpu.ReadArg(0)
	if err != nil {
		return "", fmt.Errorf("read format pointer: %w", err)
	}
	format := ReadString(e.Mem, fmtPtr)

	line, err := FormatPrintf(format, cpu.ReadArg, func(addr uint32) string {
		return ReadString(e.Mem, addr)
	})
	if err != nil {
		return "", fmt.Errorf("read printf argument: %w", err)
	}

	fmt.Fprintf(e.Out, "%s%s\n", colorize.Detail(PrintfPrefix), colorize.String(line))
	if glog.L != nil {
		glog.L.Debug("printf", zap.String("line", line), glog.Ptr("fmt", fmtPtr))
	}

	if _, err := e.returnToCaller(cpu); err != nil {
		return line, err
	}
	return line, nil
}

// fatal never returns when Exit terminates the process.
func (e *Engine) fatal(cpu machine.CPU, fn *FirmwareFunction) {
	fmt.Fprintln(e.Out, colorize.Error("FATAL ERROR!")+" "+colorize.FuncName(fn.Name))

	u := unwind.New(cpu, e.Mem, e.ABI, e.Symbols)
	bt, err := u.Backtrace()
	if err != nil {
		bt = fmt.Sprintf("----- Backtrace -----\nunavailable: %v\n----- End of Backtrace -----\n", err)
	}
	fmt.Fprint(e.Out, colorize.Backtrace(bt))

	if glog.L != nil {
		glog.L.Error("fatal firmware state",
			glog.Fn(fn.Name),
			glog.Addr(fn.Address),
			zap.Int("cpu", cpu.Index()),
		)
		_ = glog.L.Sync()
	}
	if e.OnFatal != nil {
		e.OnFatal(fn, bt)
	}

	fmt.Fprintf(e.Out, "Exiting with %d...\n", FatalExitCode)
	if f, ok := e.Out.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
	e.Exit(FatalExitCode)
}
