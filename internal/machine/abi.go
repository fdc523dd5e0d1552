package machine

// ABI describes the register roles and argument passing of a target.
type ABI struct {
	Name   string
	SP     Reg
	FP     Reg
	LR     Reg
	Result Reg
	// Args are the register argument slots; further slots are 4-byte words
	// on the stack starting at SP.
	Args []Reg
}

// ARM is the 32-bit ARM (ARM state) procedure call convention with an r11
// frame pointer.
var ARM = ABI{
	Name:   "arm",
	SP:     R13,
	FP:     R11,
	LR:     R14,
	Result: R0,
	Args:   []Reg{R0, R1, R2, R3},
}

// HarnessArgCount is how many 32-bit words a fuzz input supplies.
const HarnessArgCount = 6

// HarnessRegs returns the consecutive argument registers fuzz input words
// are written to, starting at the first argument register.
func (a ABI) HarnessRegs() []Reg {
	first := R0
	if len(a.Args) > 0 {
		first = a.Args[0]
	}
	regs := make([]Reg, HarnessArgCount)
	for i := range regs {
		regs[i] = first + Reg(i)
	}
	return regs
}

// RegReader is the register half of a CPU.
type RegReader interface {
	ReadReg(r Reg) (uint32, error)
}

// Arg reads argument slot n for a CPU following this ABI. Backends use it to
// implement CPU.ReadArg.
func (a ABI) Arg(cpu RegReader, mem Memory, n int) (uint32, error) {
	if n < len(a.Args) {
		return cpu.ReadReg(a.Args[n])
	}
	sp, err := cpu.ReadReg(a.SP)
	if err != nil {
		return 0, err
	}
	return ReadU32(mem, sp+uint32(4*(n-len(a.Args))))
}
