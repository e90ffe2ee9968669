// Package microop defines the register-based intermediate form that hot
// functions are lowered to.
//
// A VReg names a slot in a frame's register file. Indices [0, LocalsCount)
// alias the function's locals (parameters first); the TempsCount slots after
// them hold intermediate results. Control flow is always explicit: branch
// targets are micro-op indices and there is no implicit fall-through across a
// branch. Instructions without a register form are kept as Raw and exchange
// values with the real operand stack through StackPush and StackPop.
package microop

import (
	"fmt"
	"strings"

	"github.com/chazu/moca/pkg/bytecode"
)

// VReg is an index into a frame's register file.
type VReg int

func (r VReg) String() string { return fmt.Sprintf("v%d", int(r)) }

// CmpCond is the condition of a typed comparison. For floating-point
// comparisons the signed variants mean ordered less/greater; any comparison
// involving NaN is false except Ne.
type CmpCond uint8

const (
	CondEq CmpCond = iota
	CondNe
	CondLtS
	CondLeS
	CondGtS
	CondGeS
)

var condNames = [...]string{"eq", "ne", "lt_s", "le_s", "gt_s", "ge_s"}

func (c CmpCond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// Kind identifies a micro-op.
type Kind uint8

const (
	// Moves and constants
	Mov Kind = iota
	ConstI32
	ConstI64
	ConstF32
	ConstF64
	RefNull

	// i32 ALU
	AddI32
	SubI32
	MulI32
	DivI32
	RemI32
	EqzI32

	// i64 ALU
	AddI64
	SubI64
	MulI64
	DivI64
	RemI64
	NegI64
	AndI64
	OrI64
	XorI64
	ShlI64
	ShrSI64
	ShrUI64

	// f32 ALU
	AddF32
	SubF32
	MulF32
	DivF32
	NegF32

	// f64 ALU
	AddF64
	SubF64
	MulF64
	DivF64
	NegF64

	// Comparisons: Dst = (A cond B) as i32 0/1
	CmpI32
	CmpI64
	CmpF32
	CmpF64

	// Conversions: Dst = convert(Src)
	I32WrapI64
	I64ExtendI32S
	I64ExtendI32U
	F64ConvertI64S
	I64TruncF64S
	F64ConvertI32S
	F32ConvertI32S
	F32ConvertI64S
	I32TruncF32S
	I32TruncF64S
	I64TruncF32S
	F32DemoteF64
	F64PromoteF32

	// References
	RefEq
	RefIsNull

	// Control flow (never Raw)
	Jmp
	BrIf
	BrIfFalse
	Call
	Ret

	// Operand-stack bridge
	StackPush
	StackPop

	// Raw executes a bytecode instruction against the operand stack.
	Raw

	numKinds
)

var kindNames = [numKinds]string{
	Mov: "mov", ConstI32: "const.i32", ConstI64: "const.i64", ConstF32: "const.f32", ConstF64: "const.f64",
	RefNull: "ref.null",
	AddI32:  "add.i32", SubI32: "sub.i32", MulI32: "mul.i32", DivI32: "div_s.i32", RemI32: "rem_s.i32", EqzI32: "eqz.i32",
	AddI64: "add.i64", SubI64: "sub.i64", MulI64: "mul.i64", DivI64: "div_s.i64", RemI64: "rem_s.i64", NegI64: "neg.i64",
	AndI64: "and.i64", OrI64: "or.i64", XorI64: "xor.i64", ShlI64: "shl.i64", ShrSI64: "shr_s.i64", ShrUI64: "shr_u.i64",
	AddF32: "add.f32", SubF32: "sub.f32", MulF32: "mul.f32", DivF32: "div.f32", NegF32: "neg.f32",
	AddF64: "add.f64", SubF64: "sub.f64", MulF64: "mul.f64", DivF64: "div.f64", NegF64: "neg.f64",
	CmpI32: "cmp.i32", CmpI64: "cmp.i64", CmpF32: "cmp.f32", CmpF64: "cmp.f64",
	I32WrapI64: "i32.wrap_i64", I64ExtendI32S: "i64.extend_i32_s", I64ExtendI32U: "i64.extend_i32_u",
	F64ConvertI64S: "f64.convert_i64_s", I64TruncF64S: "i64.trunc_f64_s", F64ConvertI32S: "f64.convert_i32_s",
	F32ConvertI32S: "f32.convert_i32_s", F32ConvertI64S: "f32.convert_i64_s", I32TruncF32S: "i32.trunc_f32_s",
	I32TruncF64S: "i32.trunc_f64_s", I64TruncF32S: "i64.trunc_f32_s", F32DemoteF64: "f32.demote_f64",
	F64PromoteF32: "f64.promote_f32",
	RefEq:         "ref.eq", RefIsNull: "ref.is_null",
	Jmp: "jmp", BrIf: "br_if", BrIfFalse: "br_if_false", Call: "call", Ret: "ret",
	StackPush: "stack.push", StackPop: "stack.pop",
	Raw: "raw",
}

func (k Kind) String() string {
	if k < numKinds && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsBranch reports whether k transfers control to Target.
func (k Kind) IsBranch() bool { return k == Jmp || k == BrIf || k == BrIfFalse }

// IsBinary reports whether k reads A and B and writes Dst.
func (k Kind) IsBinary() bool {
	switch k {
	case AddI32, SubI32, MulI32, DivI32, RemI32,
		AddI64, SubI64, MulI64, DivI64, RemI64,
		AndI64, OrI64, XorI64, ShlI64, ShrSI64, ShrUI64,
		AddF32, SubF32, MulF32, DivF32,
		AddF64, SubF64, MulF64, DivF64,
		CmpI32, CmpI64, CmpF32, CmpF64, RefEq:
		return true
	}
	return false
}

// IsUnary reports whether k reads Src and writes Dst.
func (k Kind) IsUnary() bool {
	switch k {
	case Mov, EqzI32, NegI64, NegF32, NegF64, RefIsNull:
		return true
	}
	return k >= I32WrapI64 && k <= F64PromoteF32
}

// MicroOp is one register-form instruction. Which fields are meaningful
// depends on Kind:
//
//	constants        Dst, Imm (raw bits, as in bytecode.Op)
//	unary, Mov       Dst, Src
//	binary, Cmp*     Dst, A, B (and Cond for comparisons)
//	Jmp              Target, OldPC, OldTarget
//	BrIf, BrIfFalse  Src (condition), Target
//	Call             Func, Args, Dst (return register)
//	Ret              Src
//	StackPush        Src
//	StackPop         Dst
//	Raw              Op (branch-like operands remapped to micro-op PCs), OldPC
type MicroOp struct {
	Kind Kind
	Dst  VReg
	Src  VReg
	A    VReg
	B    VReg
	Cond CmpCond
	Imm  uint64

	Target    int
	OldPC     int
	OldTarget int

	Func int
	Args []VReg

	Op bytecode.Op
}

func (m MicroOp) String() string {
	switch {
	case m.Kind >= ConstI32 && m.Kind <= ConstF64:
		return fmt.Sprintf("%s %s, %s", m.Kind, m.Dst, constString(m))
	case m.Kind == RefNull || m.Kind == StackPop:
		return fmt.Sprintf("%s %s", m.Kind, m.Dst)
	case m.Kind >= CmpI32 && m.Kind <= CmpF64:
		return fmt.Sprintf("%s.%s %s, %s, %s", m.Kind, m.Cond, m.Dst, m.A, m.B)
	case m.Kind.IsBinary():
		return fmt.Sprintf("%s %s, %s, %s", m.Kind, m.Dst, m.A, m.B)
	case m.Kind.IsUnary():
		return fmt.Sprintf("%s %s, %s", m.Kind, m.Dst, m.Src)
	case m.Kind == Jmp:
		return fmt.Sprintf("jmp @%d", m.Target)
	case m.Kind == BrIf || m.Kind == BrIfFalse:
		return fmt.Sprintf("%s %s, @%d", m.Kind, m.Src, m.Target)
	case m.Kind == Call:
		args := make([]string, len(m.Args))
		for i, a := range m.Args {
			args[i] = a.String()
		}
		return fmt.Sprintf("call %s, fn%d(%s)", m.Dst, m.Func, strings.Join(args, ", "))
	case m.Kind == Ret || m.Kind == StackPush:
		return fmt.Sprintf("%s %s", m.Kind, m.Src)
	case m.Kind == Raw:
		return "raw " + m.Op.String()
	}
	return m.Kind.String()
}

func constString(m MicroOp) string {
	op := bytecode.Op{Imm: m.Imm}
	switch m.Kind {
	case ConstI32:
		return fmt.Sprint(op.I32())
	case ConstI64:
		return fmt.Sprint(op.I64())
	case ConstF32:
		return fmt.Sprint(op.F32())
	}
	return fmt.Sprint(op.F64())
}

// ConvertedFunction is the result of lowering one function.
type ConvertedFunction struct {
	Ops         []MicroOp
	LocalsCount int
	TempsCount  int

	// PCMap maps each bytecode PC to the index of its first micro-op. It has
	// one extra trailing entry for the end of the code.
	PCMap []int
}

// RegisterCount is the size of the register file a frame needs.
func (c *ConvertedFunction) RegisterCount() int { return c.LocalsCount + c.TempsCount }

// HasRaw reports whether any instruction still runs against the operand
// stack.
func (c *ConvertedFunction) HasRaw() bool {
	for _, m := range c.Ops {
		if m.Kind == Raw || m.Kind == StackPush || m.Kind == StackPop {
			return true
		}
	}
	return false
}

// String renders the micro-op listing.
func (c *ConvertedFunction) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "; locals=%d temps=%d\n", c.LocalsCount, c.TempsCount)
	for i, m := range c.Ops {
		fmt.Fprintf(&sb, "%04d  %s\n", i, m)
	}
	return sb.String()
}
