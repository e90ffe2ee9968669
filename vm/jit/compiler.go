package jit

import (
	"fmt"
	"math"

	"github.com/chazu/moca/pkg/bytecode"
	"github.com/chazu/moca/pkg/stackmap"
	"github.com/chazu/moca/vm/jit/amd64"
	"github.com/chazu/moca/vm/microop"
)

// Compiler lowers micro-op functions to x86-64.
type Compiler struct{}

// NewCompiler returns a compiler.
func NewCompiler() *Compiler { return &Compiler{} }

// Eligible reports whether cf can be compiled, returning an error wrapping
// ErrNotEligible with the reason if not.
func Eligible(cf *microop.ConvertedFunction) error {
	if len(cf.Ops) == 0 {
		return fmt.Errorf("%w: empty", ErrNotEligible)
	}
	if cf.RegisterCount() > MaxRegisters {
		return fmt.Errorf("%w: %d registers", ErrNotEligible, cf.RegisterCount())
	}
	for i, m := range cf.Ops {
		switch m.Kind {
		case microop.Raw:
			return fmt.Errorf("%w: raw %s at %d", ErrNotEligible, m.Op.Code, i)
		case microop.StackPush, microop.StackPop:
			return fmt.Errorf("%w: operand stack access at %d", ErrNotEligible, i)
		case microop.Call:
			return fmt.Errorf("%w: call at %d", ErrNotEligible, i)
		}
	}
	return nil
}

// Compile generates machine code for fn from its lowered form cf. The result
// is not yet executable; see Code.Install.
func (c *Compiler) Compile(fn *bytecode.Function, cf *microop.ConvertedFunction) (*Code, error) {
	if err := Eligible(cf); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name, err)
	}

	g := &codegen{
		a:  amd64.New(),
		cf: cf,
		sm: stackmap.NewBuilder(cf.RegisterCount()),
	}
	g.labels = make([]amd64.Label, len(cf.Ops)+1)
	for i := range g.labels {
		g.labels[i] = g.a.NewLabel()
	}
	g.trapDiv = g.a.NewLabel()
	g.trapType = g.a.NewLabel()
	g.markRefs(fn.Arity)

	for i, m := range cf.Ops {
		g.a.Bind(g.labels[i])
		if err := g.lower(i, m); err != nil {
			return nil, fmt.Errorf("%s: micro-op %d: %w", fn.Name, i, err)
		}
	}
	g.a.Bind(g.labels[len(cf.Ops)])
	g.trap(StatusInternal)
	g.a.Bind(g.trapDiv)
	g.trap(StatusDivByZero)
	g.a.Bind(g.trapType)
	g.trap(StatusTypeError)

	code, err := g.a.Finalize()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name, err)
	}
	return &Code{
		Name:      fn.Name,
		Bytes:     code,
		Registers: cf.RegisterCount(),
		StackMaps: g.sm.Build(),
	}, nil
}

type codegen struct {
	a      *amd64.Assembler
	cf     *microop.ConvertedFunction
	sm     *stackmap.Builder
	labels []amd64.Label

	trapDiv  amd64.Label
	trapType amd64.Label
}

// markRefs seeds the stack-map builder with the registers that can hold a
// heap reference. Only parameters can bring references into a leaf numeric
// function; Mov is the only micro-op that propagates them.
func (g *codegen) markRefs(arity int) {
	refs := make([]bool, g.cf.RegisterCount())
	for i := 0; i < arity && i < len(refs); i++ {
		refs[i] = true
	}
	for changed := true; changed; {
		changed = false
		for _, m := range g.cf.Ops {
			if m.Kind == microop.Mov && refs[m.Src] && !refs[m.Dst] {
				refs[m.Dst] = true
				changed = true
			}
		}
	}
	for i, ref := range refs {
		g.sm.SetLocal(i, ref)
	}
}

func bitsAt(r microop.VReg) amd64.Mem {
	return amd64.At(amd64.RDI, int32(r)*SlotSize+BitsOffset)
}

func kindAt(r microop.VReg) amd64.Mem {
	return amd64.At(amd64.RDI, int32(r)*SlotSize+KindOffset)
}

func (g *codegen) check(r microop.VReg, kind uint8) {
	g.a.CmpMem8(kindAt(r), kind)
	g.a.Jcc(amd64.CondNE, g.trapType)
}

func (g *codegen) result(dst microop.VReg, kind uint8) {
	g.a.Store(bitsAt(dst), amd64.RAX)
	g.a.StoreImm8(kindAt(dst), kind)
}

func (g *codegen) trap(s Status) {
	g.a.MovImm(amd64.RAX, int64(s))
	g.a.Ret()
}

// operandKind is the kind every input of an arithmetic micro-op must have.
func operandKind(k microop.Kind) uint8 {
	switch k {
	case microop.AddI32, microop.SubI32, microop.MulI32, microop.DivI32, microop.RemI32, microop.EqzI32, microop.CmpI32,
		microop.I64ExtendI32S, microop.I64ExtendI32U, microop.F64ConvertI32S, microop.F32ConvertI32S:
		return KindI32
	case microop.AddI64, microop.SubI64, microop.MulI64, microop.DivI64, microop.RemI64, microop.NegI64, microop.CmpI64,
		microop.AndI64, microop.OrI64, microop.XorI64, microop.ShlI64, microop.ShrSI64, microop.ShrUI64,
		microop.I32WrapI64, microop.F64ConvertI64S, microop.F32ConvertI64S:
		return KindI64
	case microop.AddF32, microop.SubF32, microop.MulF32, microop.DivF32, microop.NegF32, microop.CmpF32,
		microop.I32TruncF32S, microop.I64TruncF32S, microop.F64PromoteF32:
		return KindF32
	}
	return KindF64
}

func intCond(c microop.CmpCond) amd64.Cond {
	switch c {
	case microop.CondEq:
		return amd64.CondE
	case microop.CondNe:
		return amd64.CondNE
	case microop.CondLtS:
		return amd64.CondL
	case microop.CondLeS:
		return amd64.CondLE
	case microop.CondGtS:
		return amd64.CondG
	}
	return amd64.CondGE
}

func (g *codegen) lower(i int, m microop.MicroOp) error {
	a := g.a
	switch m.Kind {
	case microop.Mov:
		a.Load(amd64.RAX, bitsAt(m.Src))
		a.Movzx8Load(amd64.RCX, kindAt(m.Src))
		a.Store(bitsAt(m.Dst), amd64.RAX)
		a.Store8(kindAt(m.Dst), amd64.RCX)

	case microop.ConstI32:
		a.MovImm(amd64.RAX, int64(uint32(m.Imm)))
		g.result(m.Dst, KindI32)
	case microop.ConstF32:
		a.MovImm(amd64.RAX, int64(uint32(m.Imm)))
		g.result(m.Dst, KindF32)
	case microop.ConstI64:
		a.MovImm(amd64.RAX, int64(m.Imm))
		g.result(m.Dst, KindI64)
	case microop.ConstF64:
		a.MovImm(amd64.RAX, int64(m.Imm))
		g.result(m.Dst, KindF64)

	case microop.RefNull:
		a.StoreImm(bitsAt(m.Dst), 0)
		a.StoreImm8(kindAt(m.Dst), KindNull)

	case microop.AddI64, microop.SubI64, microop.MulI64:
		g.check(m.A, KindI64)
		g.check(m.B, KindI64)
		a.Load(amd64.RAX, bitsAt(m.A))
		a.Load(amd64.RCX, bitsAt(m.B))
		switch m.Kind {
		case microop.AddI64:
			a.Add(amd64.RAX, amd64.RCX)
		case microop.SubI64:
			a.Sub(amd64.RAX, amd64.RCX)
		default:
			a.Imul(amd64.RAX, amd64.RCX)
		}
		g.result(m.Dst, KindI64)

	case microop.AndI64, microop.OrI64, microop.XorI64, microop.ShlI64, microop.ShrSI64, microop.ShrUI64:
		g.check(m.A, KindI64)
		g.check(m.B, KindI64)
		a.Load(amd64.RAX, bitsAt(m.A))
		a.Load(amd64.RCX, bitsAt(m.B))
		// Shifts count by CL, which the hardware masks to 6 bits.
		switch m.Kind {
		case microop.AndI64:
			a.And(amd64.RAX, amd64.RCX)
		case microop.OrI64:
			a.Or(amd64.RAX, amd64.RCX)
		case microop.XorI64:
			a.Xor(amd64.RAX, amd64.RCX)
		case microop.ShlI64:
			a.Shl(amd64.RAX)
		case microop.ShrSI64:
			a.Sar(amd64.RAX)
		default:
			a.Shr(amd64.RAX)
		}
		g.result(m.Dst, KindI64)

	case microop.AddI32, microop.SubI32, microop.MulI32:
		g.check(m.A, KindI32)
		g.check(m.B, KindI32)
		a.Load32(amd64.RAX, bitsAt(m.A))
		a.Load32(amd64.RCX, bitsAt(m.B))
		switch m.Kind {
		case microop.AddI32:
			a.Add32(amd64.RAX, amd64.RCX)
		case microop.SubI32:
			a.Sub32(amd64.RAX, amd64.RCX)
		default:
			a.Imul32(amd64.RAX, amd64.RCX)
		}
		g.result(m.Dst, KindI32)

	case microop.DivI64, microop.RemI64, microop.DivI32, microop.RemI32:
		g.divide(m)

	case microop.EqzI32:
		g.check(m.Src, KindI32)
		a.Load32(amd64.RAX, bitsAt(m.Src))
		a.Test32(amd64.RAX, amd64.RAX)
		a.Setcc(amd64.CondE, amd64.RAX)
		a.Movzx8(amd64.RAX, amd64.RAX)
		g.result(m.Dst, KindI32)

	case microop.NegI64:
		g.check(m.Src, KindI64)
		a.Load(amd64.RAX, bitsAt(m.Src))
		a.Neg(amd64.RAX)
		g.result(m.Dst, KindI64)

	case microop.AddF64, microop.SubF64, microop.MulF64, microop.DivF64:
		g.check(m.A, KindF64)
		g.check(m.B, KindF64)
		a.MovsdLoad(amd64.X0, bitsAt(m.A))
		a.MovsdLoad(amd64.X1, bitsAt(m.B))
		switch m.Kind {
		case microop.AddF64:
			a.Addsd(amd64.X0, amd64.X1)
		case microop.SubF64:
			a.Subsd(amd64.X0, amd64.X1)
		case microop.MulF64:
			a.Mulsd(amd64.X0, amd64.X1)
		default:
			a.Divsd(amd64.X0, amd64.X1)
		}
		a.MovqFromX(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindF64)

	case microop.AddF32, microop.SubF32, microop.MulF32, microop.DivF32:
		g.check(m.A, KindF32)
		g.check(m.B, KindF32)
		a.MovssLoad(amd64.X0, bitsAt(m.A))
		a.MovssLoad(amd64.X1, bitsAt(m.B))
		switch m.Kind {
		case microop.AddF32:
			a.Addss(amd64.X0, amd64.X1)
		case microop.SubF32:
			a.Subss(amd64.X0, amd64.X1)
		case microop.MulF32:
			a.Mulss(amd64.X0, amd64.X1)
		default:
			a.Divss(amd64.X0, amd64.X1)
		}
		a.MovdFromX(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindF32)

	case microop.NegF64:
		g.check(m.Src, KindF64)
		a.Load(amd64.RAX, bitsAt(m.Src))
		a.MovImm(amd64.RCX, math.MinInt64)
		a.Xor(amd64.RAX, amd64.RCX)
		g.result(m.Dst, KindF64)

	case microop.NegF32:
		g.check(m.Src, KindF32)
		a.Load32(amd64.RAX, bitsAt(m.Src))
		a.AluImm32(amd64.XOR, amd64.RAX, math.MinInt32)
		g.result(m.Dst, KindF32)

	case microop.CmpI64, microop.CmpI32:
		k := operandKind(m.Kind)
		g.check(m.A, k)
		g.check(m.B, k)
		if k == KindI64 {
			a.Load(amd64.RAX, bitsAt(m.A))
			a.Load(amd64.RCX, bitsAt(m.B))
			a.Cmp(amd64.RAX, amd64.RCX)
		} else {
			a.Load32(amd64.RAX, bitsAt(m.A))
			a.Load32(amd64.RCX, bitsAt(m.B))
			a.Cmp32(amd64.RAX, amd64.RCX)
		}
		a.Setcc(intCond(m.Cond), amd64.RAX)
		a.Movzx8(amd64.RAX, amd64.RAX)
		g.result(m.Dst, KindI32)

	case microop.CmpF64, microop.CmpF32:
		g.floatCompare(m)

	case microop.I32WrapI64:
		g.check(m.Src, KindI64)
		a.Load32(amd64.RAX, bitsAt(m.Src))
		g.result(m.Dst, KindI32)
	case microop.I64ExtendI32S:
		g.check(m.Src, KindI32)
		a.Movsxd(amd64.RAX, bitsAt(m.Src))
		g.result(m.Dst, KindI64)
	case microop.I64ExtendI32U:
		g.check(m.Src, KindI32)
		a.Load32(amd64.RAX, bitsAt(m.Src))
		g.result(m.Dst, KindI64)
	case microop.F64ConvertI64S:
		g.check(m.Src, KindI64)
		a.Load(amd64.RAX, bitsAt(m.Src))
		a.Cvtsi2sd(amd64.X0, amd64.RAX)
		a.MovqFromX(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindF64)
	case microop.F64ConvertI32S:
		g.check(m.Src, KindI32)
		a.Load32(amd64.RAX, bitsAt(m.Src))
		a.Cvtsi2sd32(amd64.X0, amd64.RAX)
		a.MovqFromX(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindF64)
	case microop.F32ConvertI32S:
		g.check(m.Src, KindI32)
		a.Load32(amd64.RAX, bitsAt(m.Src))
		a.Cvtsi2ss32(amd64.X0, amd64.RAX)
		a.MovdFromX(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindF32)
	case microop.F32ConvertI64S:
		g.check(m.Src, KindI64)
		a.Load(amd64.RAX, bitsAt(m.Src))
		a.Cvtsi2ss(amd64.X0, amd64.RAX)
		a.MovdFromX(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindF32)
	case microop.I64TruncF64S:
		g.check(m.Src, KindF64)
		a.MovsdLoad(amd64.X0, bitsAt(m.Src))
		a.Cvttsd2si(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindI64)
	case microop.I32TruncF64S:
		g.check(m.Src, KindF64)
		a.MovsdLoad(amd64.X0, bitsAt(m.Src))
		a.Cvttsd2si32(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindI32)
	case microop.I32TruncF32S:
		g.check(m.Src, KindF32)
		a.MovssLoad(amd64.X0, bitsAt(m.Src))
		a.Cvttss2si32(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindI32)
	case microop.I64TruncF32S:
		g.check(m.Src, KindF32)
		a.MovssLoad(amd64.X0, bitsAt(m.Src))
		a.Cvttss2si(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindI64)
	case microop.F32DemoteF64:
		g.check(m.Src, KindF64)
		a.MovsdLoad(amd64.X0, bitsAt(m.Src))
		a.Cvtsd2ss(amd64.X0, amd64.X0)
		a.MovdFromX(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindF32)
	case microop.F64PromoteF32:
		g.check(m.Src, KindF32)
		a.MovssLoad(amd64.X0, bitsAt(m.Src))
		a.Cvtss2sd(amd64.X0, amd64.X0)
		a.MovqFromX(amd64.RAX, amd64.X0)
		g.result(m.Dst, KindF64)

	case microop.RefEq:
		// Equal when both tag and bits match.
		a.Load(amd64.RAX, bitsAt(m.A))
		a.Load(amd64.RCX, bitsAt(m.B))
		a.Cmp(amd64.RAX, amd64.RCX)
		a.Setcc(amd64.CondE, amd64.RAX)
		a.Movzx8(amd64.RAX, amd64.RAX)
		a.Movzx8Load(amd64.RCX, kindAt(m.A))
		a.Movzx8Load(amd64.RDX, kindAt(m.B))
		a.Cmp32(amd64.RCX, amd64.RDX)
		a.Setcc(amd64.CondE, amd64.RCX)
		a.Movzx8(amd64.RCX, amd64.RCX)
		a.Alu32(amd64.AND, amd64.RAX, amd64.RCX)
		g.result(m.Dst, KindI32)

	case microop.RefIsNull:
		a.Movzx8Load(amd64.RAX, kindAt(m.Src))
		a.Test32(amd64.RAX, amd64.RAX)
		a.Setcc(amd64.CondE, amd64.RAX)
		a.Movzx8(amd64.RAX, amd64.RAX)
		g.result(m.Dst, KindI32)

	case microop.Jmp:
		g.branch(i, m, false, 0)

	case microop.BrIf, microop.BrIfFalse:
		a.Load(amd64.RAX, bitsAt(m.Src))
		a.Test(amd64.RAX, amd64.RAX)
		taken := amd64.CondNE
		if m.Kind == microop.BrIfFalse {
			taken = amd64.CondE
		}
		g.branch(i, m, true, taken)

	case microop.Ret:
		a.MovImm(amd64.RAX, int64(m.Src))
		a.Ret()

	default:
		return fmt.Errorf("%w: %s", ErrNotEligible, m.Kind)
	}
	return nil
}

// divide lowers the signed division family. A zero divisor traps; a divisor
// of -1 is handled without IDIV, which would fault on MinInt / -1: the
// quotient wraps to -x and the remainder is 0.
func (g *codegen) divide(m microop.MicroOp) {
	a := g.a
	wide := m.Kind == microop.DivI64 || m.Kind == microop.RemI64
	rem := m.Kind == microop.RemI64 || m.Kind == microop.RemI32
	kind := KindI32
	if wide {
		kind = KindI64
	}
	g.check(m.A, kind)
	g.check(m.B, kind)

	if wide {
		a.Load(amd64.RAX, bitsAt(m.A))
		a.Load(amd64.RCX, bitsAt(m.B))
		a.Test(amd64.RCX, amd64.RCX)
	} else {
		a.Load32(amd64.RAX, bitsAt(m.A))
		a.Load32(amd64.RCX, bitsAt(m.B))
		a.Test32(amd64.RCX, amd64.RCX)
	}
	a.Jcc(amd64.CondE, g.trapDiv)

	normal := a.NewLabel()
	done := a.NewLabel()
	if wide {
		a.AluImm(amd64.CMP, amd64.RCX, -1)
	} else {
		a.AluImm32(amd64.CMP, amd64.RCX, -1)
	}
	a.Jcc(amd64.CondNE, normal)
	switch {
	case rem:
		a.Xor32(amd64.RAX, amd64.RAX)
	case wide:
		a.Neg(amd64.RAX)
	default:
		a.Neg32(amd64.RAX)
	}
	a.Jmp(done)

	a.Bind(normal)
	if wide {
		a.Cqo()
		a.Idiv(amd64.RCX)
		if rem {
			a.Mov(amd64.RAX, amd64.RDX)
		}
	} else {
		a.Cdq()
		a.Idiv32(amd64.RCX)
		if rem {
			a.Mov32(amd64.RAX, amd64.RDX)
		}
	}
	a.Bind(done)
	g.result(m.Dst, kind)
}

// floatCompare lowers ordered float comparisons. UCOMIS* reports unordered
// as ZF=PF=CF=1, so Eq also requires PF=0 and Ne accepts PF=1. Lt and Le
// swap operands and use the above conditions, which are false when
// unordered.
func (g *codegen) floatCompare(m microop.MicroOp) {
	a := g.a
	wide := m.Kind == microop.CmpF64
	load, ucom := a.MovssLoad, a.Ucomiss
	kind := KindF32
	if wide {
		load, ucom = a.MovsdLoad, a.Ucomisd
		kind = KindF64
	}
	g.check(m.A, kind)
	g.check(m.B, kind)
	load(amd64.X0, bitsAt(m.A))
	load(amd64.X1, bitsAt(m.B))

	switch m.Cond {
	case microop.CondEq, microop.CondNe:
		cc, parity, join := amd64.CondE, amd64.CondNP, amd64.AND
		if m.Cond == microop.CondNe {
			cc, parity, join = amd64.CondNE, amd64.CondP, amd64.OR
		}
		ucom(amd64.X0, amd64.X1)
		a.Setcc(cc, amd64.RAX)
		a.Setcc(parity, amd64.RCX)
		a.Movzx8(amd64.RAX, amd64.RAX)
		a.Movzx8(amd64.RCX, amd64.RCX)
		a.Alu32(join, amd64.RAX, amd64.RCX)
	case microop.CondLtS:
		ucom(amd64.X1, amd64.X0)
		a.Setcc(amd64.CondA, amd64.RAX)
		a.Movzx8(amd64.RAX, amd64.RAX)
	case microop.CondLeS:
		ucom(amd64.X1, amd64.X0)
		a.Setcc(amd64.CondAE, amd64.RAX)
		a.Movzx8(amd64.RAX, amd64.RAX)
	case microop.CondGtS:
		ucom(amd64.X0, amd64.X1)
		a.Setcc(amd64.CondA, amd64.RAX)
		a.Movzx8(amd64.RAX, amd64.RAX)
	default:
		ucom(amd64.X0, amd64.X1)
		a.Setcc(amd64.CondAE, amd64.RAX)
		a.Movzx8(amd64.RAX, amd64.RAX)
	}
	g.result(m.Dst, KindI32)
}

// branch emits a jump to m.Target. Backward branches poll the safepoint flag
// first and yield to the VM when it is set, recording a stack map entry at
// the resume offset.
func (g *codegen) branch(i int, m microop.MicroOp, conditional bool, taken amd64.Cond) {
	a := g.a
	target := g.labels[m.Target]
	if m.Target > i {
		if conditional {
			a.Jcc(taken, target)
		} else {
			a.Jmp(target)
		}
		return
	}

	skip := a.NewLabel()
	if conditional {
		a.Jcc(taken.Invert(), skip)
	}
	resume, _ := a.Bound(target)
	a.Movzx8Load(amd64.RAX, amd64.At(amd64.RSI, 0))
	a.Test32(amd64.RAX, amd64.RAX)
	a.Jcc(amd64.CondE, target)
	a.MovImm(amd64.RAX, int64(yieldStatus(resume)))
	a.Ret()
	g.sm.RecordSafepoint(uint32(resume), uint32(m.OldTarget))
	a.Bind(skip)
}
