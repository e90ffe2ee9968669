package bytecode

import (
	"fmt"
	"math"
)

// Op is a single instruction: an opcode plus its immediate operands.
//
// Constant immediates are stored as raw bits in Imm so that Op values compare
// with == (including NaN payloads). Index, target and count operands use A;
// the second operand of two-operand instructions uses B.
type Op struct {
	Code Opcode
	A    uint32
	B    uint32
	Imm  uint64
}

// Simple returns an instruction without operands.
func Simple(code Opcode) Op { return Op{Code: code} }

func I32Const(v int32) Op     { return Op{Code: OpI32Const, Imm: uint64(uint32(v))} }
func I64Const(v int64) Op     { return Op{Code: OpI64Const, Imm: uint64(v)} }
func F32Const(v float32) Op   { return Op{Code: OpF32Const, Imm: uint64(math.Float32bits(v))} }
func F64Const(v float64) Op   { return Op{Code: OpF64Const, Imm: math.Float64bits(v)} }
func StringConst(idx int) Op  { return Op{Code: OpStringConst, A: uint32(idx)} }
func LocalGet(slot int) Op    { return Op{Code: OpLocalGet, A: uint32(slot)} }
func LocalSet(slot int) Op    { return Op{Code: OpLocalSet, A: uint32(slot)} }
func Pick(n int) Op           { return Op{Code: OpPick, A: uint32(n)} }
func Jmp(target int) Op       { return Op{Code: OpJmp, A: uint32(target)} }
func BrIf(target int) Op      { return Op{Code: OpBrIf, A: uint32(target)} }
func BrIfFalse(target int) Op { return Op{Code: OpBrIfFalse, A: uint32(target)} }
func Call(fn, argc int) Op    { return Op{Code: OpCall, A: uint32(fn), B: uint32(argc)} }
func HeapAlloc(n int) Op      { return Op{Code: OpHeapAlloc, A: uint32(n)} }
func HeapLoad(off int) Op     { return Op{Code: OpHeapLoad, A: uint32(off)} }
func HeapStore(off int) Op    { return Op{Code: OpHeapStore, A: uint32(off)} }
func GcHint(bytes int) Op     { return Op{Code: OpGcHint, A: uint32(bytes)} }
func TryBegin(handler int) Op { return Op{Code: OpTryBegin, A: uint32(handler)} }
func ThreadSpawn(fn int) Op   { return Op{Code: OpThreadSpawn, A: uint32(fn)} }
func GetField(name int) Op    { return Op{Code: OpGetField, A: uint32(name)} }
func SetField(name int) Op    { return Op{Code: OpSetField, A: uint32(name)} }

// ObjectNew allocates an object whose shape is described by the string
// literal at shape (comma-separated field names) from n stack values.
func ObjectNew(shape, n int) Op { return Op{Code: OpObjectNew, A: uint32(shape), B: uint32(n)} }

// Syscall invokes host function num with argc arguments.
func Syscall(num, argc int) Op { return Op{Code: OpSyscall, A: uint32(num), B: uint32(argc)} }

// PushInt is the i64 constant push emitted for integer literals.
func PushInt(v int64) Op { return I64Const(v) }

// PushString pushes string literal idx from the chunk's pool.
func PushString(idx int) Op { return StringConst(idx) }

func (op Op) I32() int32      { return int32(uint32(op.Imm)) }
func (op Op) I64() int64      { return int64(op.Imm) }
func (op Op) F32() float32    { return math.Float32frombits(uint32(op.Imm)) }
func (op Op) F64() float64    { return math.Float64frombits(op.Imm) }
func (op Op) Index() int      { return int(op.A) }
func (op Op) Argc() int       { return int(op.B) }
func (op Op) FieldCount() int { return int(op.B) }

// Target returns the branch target of a jump or the handler PC of TryBegin.
func (op Op) Target() (int, bool) {
	switch op.Code {
	case OpJmp, OpBrIf, OpBrIfFalse, OpTryBegin:
		return int(op.A), true
	}
	return 0, false
}

// WithTarget returns a copy of a branching instruction retargeted to pc.
func (op Op) WithTarget(pc int) Op {
	if _, ok := op.Target(); ok {
		op.A = uint32(pc)
	}
	return op
}

// StackEffect returns how many values the instruction pops and pushes.
// Instructions whose counts depend on operands are resolved here.
func (op Op) StackEffect() (pops, pushes int) {
	switch op.Code {
	case OpCall, OpSyscall:
		return int(op.B), 1
	case OpHeapAlloc:
		return int(op.A), 1
	case OpObjectNew:
		return int(op.B), 1
	case OpPick:
		n := int(op.A)
		return n + 1, n + 2
	}
	info := GetOpcodeInfo(op.Code)
	return info.StackPop, info.StackPush
}

// String renders the instruction in disassembly syntax.
func (op Op) String() string {
	name := op.Code.String()
	switch op.Code.Operands() {
	case OperandI32:
		return fmt.Sprintf("%s %d", name, op.I32())
	case OperandI64:
		return fmt.Sprintf("%s %d", name, op.I64())
	case OperandF32:
		return fmt.Sprintf("%s %g", name, op.F32())
	case OperandF64:
		return fmt.Sprintf("%s %g", name, op.F64())
	case OperandU32:
		return fmt.Sprintf("%s %d", name, op.A)
	case OperandU32Pair:
		return fmt.Sprintf("%s %d %d", name, op.A, op.B)
	}
	return name
}
