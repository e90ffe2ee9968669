package vm

import (
	"github.com/chazu/moca/pkg/bytecode"
	"github.com/chazu/moca/vm/microop"
)

// ---------------------------------------------------------------------------
// Quickened execution: the Warm tier
// ---------------------------------------------------------------------------

// microOpcodes maps arithmetic and conversion micro-ops back to the opcode
// whose semantics they share.
var microOpcodes = map[microop.Kind]bytecode.Opcode{
	microop.AddI32:         bytecode.OpI32Add,
	microop.SubI32:         bytecode.OpI32Sub,
	microop.MulI32:         bytecode.OpI32Mul,
	microop.DivI32:         bytecode.OpI32DivS,
	microop.RemI32:         bytecode.OpI32RemS,
	microop.EqzI32:         bytecode.OpI32Eqz,
	microop.AddI64:         bytecode.OpI64Add,
	microop.SubI64:         bytecode.OpI64Sub,
	microop.MulI64:         bytecode.OpI64Mul,
	microop.DivI64:         bytecode.OpI64DivS,
	microop.RemI64:         bytecode.OpI64RemS,
	microop.NegI64:         bytecode.OpI64Neg,
	microop.AndI64:         bytecode.OpI64And,
	microop.OrI64:          bytecode.OpI64Or,
	microop.XorI64:         bytecode.OpI64Xor,
	microop.ShlI64:         bytecode.OpI64Shl,
	microop.ShrSI64:        bytecode.OpI64ShrS,
	microop.ShrUI64:        bytecode.OpI64ShrU,
	microop.AddF32:         bytecode.OpF32Add,
	microop.SubF32:         bytecode.OpF32Sub,
	microop.MulF32:         bytecode.OpF32Mul,
	microop.DivF32:         bytecode.OpF32Div,
	microop.NegF32:         bytecode.OpF32Neg,
	microop.AddF64:         bytecode.OpF64Add,
	microop.SubF64:         bytecode.OpF64Sub,
	microop.MulF64:         bytecode.OpF64Mul,
	microop.DivF64:         bytecode.OpF64Div,
	microop.NegF64:         bytecode.OpF64Neg,
	microop.CmpI32:         bytecode.OpI32Eq,
	microop.CmpI64:         bytecode.OpI64Eq,
	microop.CmpF32:         bytecode.OpF32Eq,
	microop.CmpF64:         bytecode.OpF64Eq,
	microop.I32WrapI64:     bytecode.OpI32WrapI64,
	microop.I64ExtendI32S:  bytecode.OpI64ExtendI32S,
	microop.I64ExtendI32U:  bytecode.OpI64ExtendI32U,
	microop.F64ConvertI64S: bytecode.OpF64ConvertI64S,
	microop.I64TruncF64S:   bytecode.OpI64TruncF64S,
	microop.F64ConvertI32S: bytecode.OpF64ConvertI32S,
	microop.F32ConvertI32S: bytecode.OpF32ConvertI32S,
	microop.F32ConvertI64S: bytecode.OpF32ConvertI64S,
	microop.I32TruncF32S:   bytecode.OpI32TruncF32S,
	microop.I32TruncF64S:   bytecode.OpI32TruncF64S,
	microop.I64TruncF32S:   bytecode.OpI64TruncF32S,
	microop.F32DemoteF64:   bytecode.OpF32DemoteF64,
	microop.F64PromoteF32:  bytecode.OpF64PromoteF32,
	microop.RefEq:          bytecode.OpRefEq,
	microop.RefIsNull:      bytecode.OpRefIsNull,
}

// runQuickened runs f's micro-ops over a register file whose first slots
// hold the locals.
func (t *thread) runQuickened(f *function, cf *microop.ConvertedFunction, args []Value) (Value, error) {
	regs := make([]Value, cf.RegisterCount())
	copy(regs, args)
	fr := &frame{
		fn:     f,
		tier:   TierWarm,
		regs:   regs,
		locals: regs[:cf.LocalsCount],
		resume: -1,
	}
	t.enter(fr)
	defer t.leave()

	ops := cf.Ops
	for {
		i := fr.pc
		if i >= len(ops) {
			return Null, locate(faultf(ErrInternal, "fell off the end of the micro-ops"), f.fn.Name, len(f.fn.Code))
		}
		next, ret, err := t.step(fr, &ops[i], i)
		if err != nil {
			err = locate(err, f.fn.Name, bytecodePC(cf, i))
			if t.catch(fr, err) {
				continue
			}
			return Null, err
		}
		if ret {
			return fr.result, nil
		}
		fr.pc = next
	}
}

// step runs micro-op m at index i and returns the index to continue at.
func (t *thread) step(fr *frame, m *microop.MicroOp, i int) (next int, ret bool, err error) {
	regs := fr.regs
	switch m.Kind {
	case microop.Mov:
		regs[m.Dst] = regs[m.Src]
	case microop.ConstI32:
		regs[m.Dst] = Value{Bits: m.Imm & 0xffffffff, Kind: KindI32}
	case microop.ConstI64:
		regs[m.Dst] = Value{Bits: m.Imm, Kind: KindI64}
	case microop.ConstF32:
		regs[m.Dst] = Value{Bits: m.Imm & 0xffffffff, Kind: KindF32}
	case microop.ConstF64:
		regs[m.Dst] = Value{Bits: m.Imm, Kind: KindF64}
	case microop.RefNull:
		regs[m.Dst] = Null

	case microop.CmpI32, microop.CmpI64, microop.CmpF32, microop.CmpF64:
		v, err := binary(microOpcodes[m.Kind]+bytecode.Opcode(m.Cond), regs[m.A], regs[m.B])
		if err != nil {
			return 0, false, err
		}
		regs[m.Dst] = v

	case microop.Jmp:
		if m.Target <= i {
			t.safepoint()
		}
		return m.Target, false, nil
	case microop.BrIf, microop.BrIfFalse:
		taken := regs[m.Src].Truthy()
		if m.Kind == microop.BrIfFalse {
			taken = !taken
		}
		if !taken {
			return i + 1, false, nil
		}
		if m.Target <= i {
			t.safepoint()
		}
		return m.Target, false, nil

	case microop.Call:
		t.safepoint()
		callee, err := t.vm.function(m.Func)
		if err != nil {
			return 0, false, err
		}
		args := make([]Value, len(m.Args))
		for j, r := range m.Args {
			args[j] = regs[r]
		}
		v, err := t.call(callee, args)
		if err != nil {
			return 0, false, err
		}
		regs[m.Dst] = v
	case microop.Ret:
		fr.result = regs[m.Src]
		return 0, true, nil

	case microop.StackPush:
		fr.push(regs[m.Src])
	case microop.StackPop:
		if len(fr.stack) == 0 {
			return 0, false, faultf(ErrInternal, "operand stack underflow at micro-op %d", i)
		}
		regs[m.Dst] = fr.pop()

	case microop.Raw:
		if prof := t.vm.opcodes; prof != nil {
			prof.record(m.Op.Code)
		}
		ctl, target, err := t.exec(fr, m.Op, m.OldPC)
		if err != nil {
			return 0, false, err
		}
		switch ctl {
		case ctlJump:
			return target, false, nil
		case ctlReturn:
			return 0, true, nil
		}

	default:
		code, ok := microOpcodes[m.Kind]
		if !ok {
			return 0, false, faultf(ErrInternal, "unhandled micro-op %s", m.Kind)
		}
		var v Value
		if m.Kind.IsBinary() {
			v, err = binary(code, regs[m.A], regs[m.B])
		} else {
			v, err = unary(code, regs[m.Src])
		}
		if err != nil {
			return 0, false, err
		}
		regs[m.Dst] = v
	}
	return i + 1, false, nil
}

// bytecodePC returns the bytecode PC micro-op i was lowered from: the last
// PC whose first micro-op is at or before i.
func bytecodePC(cf *microop.ConvertedFunction, i int) int {
	pc := 0
	for p := 0; p < len(cf.PCMap)-1; p++ {
		if cf.PCMap[p] <= i {
			pc = p
		} else {
			break
		}
	}
	return pc
}
