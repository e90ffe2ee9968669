package microop

import "github.com/chazu/moca/pkg/bytecode"

var binaryKinds = map[bytecode.Opcode]Kind{
	bytecode.OpI32Add: AddI32, bytecode.OpI32Sub: SubI32, bytecode.OpI32Mul: MulI32,
	bytecode.OpI32DivS: DivI32, bytecode.OpI32RemS: RemI32,
	bytecode.OpI64Add: AddI64, bytecode.OpI64Sub: SubI64, bytecode.OpI64Mul: MulI64,
	bytecode.OpI64DivS: DivI64, bytecode.OpI64RemS: RemI64,
	bytecode.OpI64And: AndI64, bytecode.OpI64Or: OrI64, bytecode.OpI64Xor: XorI64,
	bytecode.OpI64Shl: ShlI64, bytecode.OpI64ShrS: ShrSI64, bytecode.OpI64ShrU: ShrUI64,
	bytecode.OpF32Add: AddF32, bytecode.OpF32Sub: SubF32, bytecode.OpF32Mul: MulF32, bytecode.OpF32Div: DivF32,
	bytecode.OpF64Add: AddF64, bytecode.OpF64Sub: SubF64, bytecode.OpF64Mul: MulF64, bytecode.OpF64Div: DivF64,
	bytecode.OpRefEq: RefEq,
}

var unaryKinds = map[bytecode.Opcode]Kind{
	bytecode.OpI32Eqz: EqzI32, bytecode.OpI64Neg: NegI64, bytecode.OpF32Neg: NegF32, bytecode.OpF64Neg: NegF64,
	bytecode.OpRefIsNull:      RefIsNull,
	bytecode.OpI32WrapI64:     I32WrapI64,
	bytecode.OpI64ExtendI32S:  I64ExtendI32S,
	bytecode.OpI64ExtendI32U:  I64ExtendI32U,
	bytecode.OpF64ConvertI64S: F64ConvertI64S,
	bytecode.OpI64TruncF64S:   I64TruncF64S,
	bytecode.OpF64ConvertI32S: F64ConvertI32S,
	bytecode.OpF32ConvertI32S: F32ConvertI32S,
	bytecode.OpF32ConvertI64S: F32ConvertI64S,
	bytecode.OpI32TruncF32S:   I32TruncF32S,
	bytecode.OpI32TruncF64S:   I32TruncF64S,
	bytecode.OpI64TruncF32S:   I64TruncF32S,
	bytecode.OpF32DemoteF64:   F32DemoteF64,
	bytecode.OpF64PromoteF32:  F64PromoteF32,
}

type compare struct {
	kind Kind
	cond CmpCond
}

var compareKinds = map[bytecode.Opcode]compare{
	bytecode.OpI32Eq: {CmpI32, CondEq}, bytecode.OpI32Ne: {CmpI32, CondNe},
	bytecode.OpI32LtS: {CmpI32, CondLtS}, bytecode.OpI32LeS: {CmpI32, CondLeS},
	bytecode.OpI32GtS: {CmpI32, CondGtS}, bytecode.OpI32GeS: {CmpI32, CondGeS},

	bytecode.OpI64Eq: {CmpI64, CondEq}, bytecode.OpI64Ne: {CmpI64, CondNe},
	bytecode.OpI64LtS: {CmpI64, CondLtS}, bytecode.OpI64LeS: {CmpI64, CondLeS},
	bytecode.OpI64GtS: {CmpI64, CondGtS}, bytecode.OpI64GeS: {CmpI64, CondGeS},

	bytecode.OpF32Eq: {CmpF32, CondEq}, bytecode.OpF32Ne: {CmpF32, CondNe},
	bytecode.OpF32Lt: {CmpF32, CondLtS}, bytecode.OpF32Le: {CmpF32, CondLeS},
	bytecode.OpF32Gt: {CmpF32, CondGtS}, bytecode.OpF32Ge: {CmpF32, CondGeS},

	bytecode.OpF64Eq: {CmpF64, CondEq}, bytecode.OpF64Ne: {CmpF64, CondNe},
	bytecode.OpF64Lt: {CmpF64, CondLtS}, bytecode.OpF64Le: {CmpF64, CondLeS},
	bytecode.OpF64Gt: {CmpF64, CondGtS}, bytecode.OpF64Ge: {CmpF64, CondGeS},
}

var constKinds = map[bytecode.Opcode]Kind{
	bytecode.OpI32Const: ConstI32,
	bytecode.OpI64Const: ConstI64,
	bytecode.OpF32Const: ConstF32,
	bytecode.OpF64Const: ConstF64,
}

// converter holds the state of one lowering pass. vstack models the operand
// stack symbolically: each entry names the register currently holding that
// value. Values that are not on the virtual stack live on the real operand
// stack.
type converter struct {
	locals   int
	ops      []MicroOp
	vstack   []VReg
	nextTemp int
	maxTemp  int
}

func (c *converter) emit(m MicroOp) { c.ops = append(c.ops, m) }

func (c *converter) allocTemp() VReg {
	v := VReg(c.nextTemp)
	c.nextTemp++
	if c.nextTemp > c.maxTemp {
		c.maxTemp = c.nextTemp
	}
	return v
}

func (c *converter) resetTemps() { c.nextTemp = c.locals }

// pop takes the top virtual value, or pops one from the real stack into a
// fresh temporary.
func (c *converter) pop() VReg {
	if n := len(c.vstack); n > 0 {
		v := c.vstack[n-1]
		c.vstack = c.vstack[:n-1]
		return v
	}
	t := c.allocTemp()
	c.emit(MicroOp{Kind: StackPop, Dst: t})
	return t
}

func (c *converter) push(v VReg) { c.vstack = append(c.vstack, v) }

// flush spills every virtual value to the real operand stack, bottom first.
func (c *converter) flush() {
	for _, v := range c.vstack {
		c.emit(MicroOp{Kind: StackPush, Src: v})
	}
	c.vstack = c.vstack[:0]
}

// Convert lowers fn to micro-ops. The function must have been verified: the
// lowering relies on consistent stack heights at join points.
//
// At every branch target (and exception handler) the virtual stack is
// flushed before the target's first micro-op, so every path arrives with all
// values on the real operand stack. Branches flush before jumping for the
// same reason.
func Convert(fn *bytecode.Function) *ConvertedFunction {
	joins := make(map[int]bool)
	for _, op := range fn.Code {
		if target, ok := op.Target(); ok {
			joins[target] = true
		}
	}

	c := &converter{locals: fn.LocalsCount, nextTemp: fn.LocalsCount, maxTemp: fn.LocalsCount}
	pcMap := make([]int, 0, len(fn.Code)+1)

	for pc, op := range fn.Code {
		if joins[pc] {
			c.flush()
			c.resetTemps()
		}
		pcMap = append(pcMap, len(c.ops))

		if kind, ok := constKinds[op.Code]; ok {
			dst := c.allocTemp()
			c.emit(MicroOp{Kind: kind, Dst: dst, Imm: op.Imm})
			c.push(dst)
			continue
		}
		if kind, ok := binaryKinds[op.Code]; ok {
			b := c.pop()
			a := c.pop()
			dst := c.allocTemp()
			c.emit(MicroOp{Kind: kind, Dst: dst, A: a, B: b})
			c.push(dst)
			continue
		}
		if cmp, ok := compareKinds[op.Code]; ok {
			b := c.pop()
			a := c.pop()
			dst := c.allocTemp()
			c.emit(MicroOp{Kind: cmp.kind, Cond: cmp.cond, Dst: dst, A: a, B: b})
			c.push(dst)
			continue
		}
		if kind, ok := unaryKinds[op.Code]; ok {
			src := c.pop()
			dst := c.allocTemp()
			c.emit(MicroOp{Kind: kind, Dst: dst, Src: src})
			c.push(dst)
			continue
		}

		local := op.Code == bytecode.OpLocalGet || op.Code == bytecode.OpLocalSet
		if local && op.Index() >= fn.LocalsCount {
			// Out-of-range slots are left to the executor to report.
			c.flush()
			c.emit(MicroOp{Kind: Raw, Op: op, OldPC: pc})
			continue
		}

		switch op.Code {
		case bytecode.OpRefNull:
			dst := c.allocTemp()
			c.emit(MicroOp{Kind: RefNull, Dst: dst})
			c.push(dst)

		case bytecode.OpLocalGet:
			// The local's register is pushed directly; LocalSet materialises
			// stale copies before overwriting it.
			c.push(VReg(op.Index()))

		case bytecode.OpLocalSet:
			src := c.pop()
			dst := VReg(op.Index())
			if src != dst {
				for i, v := range c.vstack {
					if v == dst {
						t := c.allocTemp()
						c.emit(MicroOp{Kind: Mov, Dst: t, Src: dst})
						c.vstack[i] = t
					}
				}
				c.emit(MicroOp{Kind: Mov, Dst: dst, Src: src})
			}

		case bytecode.OpDrop:
			c.pop()

		case bytecode.OpDup:
			top := c.pop()
			c.push(top)
			c.push(top)

		case bytecode.OpJmp:
			c.flush()
			target, _ := op.Target()
			c.emit(MicroOp{Kind: Jmp, Target: target, OldPC: pc, OldTarget: target})
			c.resetTemps()

		case bytecode.OpBrIf, bytecode.OpBrIfFalse:
			cond := c.pop()
			c.flush()
			target, _ := op.Target()
			kind := BrIf
			if op.Code == bytecode.OpBrIfFalse {
				kind = BrIfFalse
			}
			c.emit(MicroOp{Kind: kind, Src: cond, Target: target, OldPC: pc, OldTarget: target})

		case bytecode.OpCall:
			args := make([]VReg, op.Argc())
			for i := len(args) - 1; i >= 0; i-- {
				args[i] = c.pop()
			}
			c.flush()
			ret := c.allocTemp()
			c.emit(MicroOp{Kind: Call, Func: op.Index(), Args: args, Dst: ret, OldPC: pc})
			c.push(ret)

		case bytecode.OpRet:
			src := c.pop()
			c.emit(MicroOp{Kind: Ret, Src: src, OldPC: pc})
			c.vstack = c.vstack[:0]
			c.resetTemps()

		default:
			// TryBegin's handler is remapped in the fixup pass like a branch.
			c.flush()
			c.emit(MicroOp{Kind: Raw, Op: op, OldPC: pc})
		}
	}
	pcMap = append(pcMap, len(c.ops))

	for i := range c.ops {
		m := &c.ops[i]
		switch {
		case m.Kind.IsBranch():
			m.Target = pcMap[m.Target]
		case m.Kind == Raw && m.Op.Code == bytecode.OpTryBegin:
			handler, _ := m.Op.Target()
			m.Op = m.Op.WithTarget(pcMap[handler])
		}
	}

	temps := c.maxTemp - fn.LocalsCount
	if temps < 1 {
		temps = 1
	}
	return &ConvertedFunction{
		Ops:         c.ops,
		LocalsCount: fn.LocalsCount,
		TempsCount:  temps,
		PCMap:       pcMap,
	}
}
