// Package amd64 encodes x86-64 machine instructions.
//
// The Assembler appends instruction bytes to a buffer, handling REX
// prefixes, ModRM and SIB bytes, and rel32 fixups for forward labels. It
// knows nothing about the VM; vm/jit drives it.
package amd64

import "fmt"

// Reg is a general-purpose register.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// System V AMD64 argument and return registers.
var (
	ArgRegs   = [...]Reg{RDI, RSI, RDX, RCX, R8, R9}
	ReturnReg = RAX
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

// low3 is the register number as it appears in ModRM/SIB fields.
func (r Reg) low3() byte { return byte(r) & 7 }

// ext reports whether the register needs a REX extension bit.
func (r Reg) ext() bool { return r >= R8 }

// XReg is an SSE register.
type XReg uint8

const (
	X0 XReg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
)

func (x XReg) String() string { return fmt.Sprintf("xmm%d", uint8(x)) }

func (x XReg) low3() byte { return byte(x) & 7 }
func (x XReg) ext() bool  { return x >= X8 }

// Cond is an x86 condition code as used by Jcc and SETcc.
type Cond uint8

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2 // unsigned <, CF=1
	CondAE Cond = 0x3 // unsigned >=, CF=0
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7 // unsigned >, CF=0 and ZF=0
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondP  Cond = 0xA // parity, set by unordered float compares
	CondNP Cond = 0xB
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Invert returns the opposite condition.
func (c Cond) Invert() Cond { return c ^ 1 }

// Mem is a memory operand [Base + Index*Scale + Disp].
type Mem struct {
	Base     Reg
	Index    Reg
	Scale    uint8 // 1, 2, 4 or 8; used only when HasIndex
	HasIndex bool
	Disp     int32
}

// At returns the operand [base + disp].
func At(base Reg, disp int32) Mem { return Mem{Base: base, Disp: disp} }

// Indexed returns the operand [base + index*scale + disp].
func Indexed(base, index Reg, scale uint8, disp int32) Mem {
	return Mem{Base: base, Index: index, Scale: scale, HasIndex: true, Disp: disp}
}
