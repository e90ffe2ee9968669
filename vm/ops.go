package vm

import (
	"io"

	"github.com/chazu/moca/pkg/bytecode"
)

// control tells the executing tier what to do after an instruction.
type control uint8

const (
	ctlNext control = iota
	ctlJump
	ctlReturn
)

// maxDynSlots bounds HeapAllocDyn.
const maxDynSlots = 1 << 26

// exec runs one bytecode instruction against fr's locals and operand stack.
// pc is the instruction's bytecode PC; it keys inline caches and decides
// whether a jump is a backward edge. Both the interpreter and the quickened
// tier (for Raw micro-ops) run instructions through exec.
func (t *thread) exec(fr *frame, op bytecode.Op, pc int) (ctl control, target int, err error) {
	vm := t.vm
	switch op.Code {
	// --- Constants ---
	case bytecode.OpI32Const:
		fr.push(I32(op.I32()))
	case bytecode.OpI64Const:
		fr.push(I64(op.I64()))
	case bytecode.OpF32Const:
		fr.push(Value{Bits: uint64(uint32(op.Imm)), Kind: KindF32})
	case bytecode.OpF64Const:
		fr.push(Value{Bits: op.Imm, Kind: KindF64})
	case bytecode.OpRefNull:
		fr.push(Null)
	case bytecode.OpStringConst:
		v, err := vm.stringConst(op.Index())
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)

	// --- Locals ---
	case bytecode.OpLocalGet:
		i := op.Index()
		if i >= len(fr.locals) {
			return 0, 0, faultf(ErrUndefinedVariable, "local %d (function has %d)", i, len(fr.locals))
		}
		fr.push(fr.locals[i])
	case bytecode.OpLocalSet:
		i := op.Index()
		if i >= len(fr.locals) {
			return 0, 0, faultf(ErrUndefinedVariable, "local %d (function has %d)", i, len(fr.locals))
		}
		fr.locals[i] = fr.pop()

	// --- Stack manipulation ---
	case bytecode.OpDrop:
		fr.pop()
	case bytecode.OpDup:
		fr.push(fr.peek())
	case bytecode.OpPick:
		v, err := fr.pick(op.Index())
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)
	case bytecode.OpPickDyn:
		n, ok := fr.pop().AsInt()
		if !ok {
			return 0, 0, typeErrorf("%s expects an integer depth", op.Code)
		}
		v, err := fr.pick(int(n))
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)

	// --- Unary arithmetic, references and conversions ---
	case bytecode.OpI32Eqz, bytecode.OpI64Neg, bytecode.OpF32Neg, bytecode.OpF64Neg, bytecode.OpRefIsNull,
		bytecode.OpI32WrapI64, bytecode.OpI64ExtendI32S, bytecode.OpI64ExtendI32U,
		bytecode.OpF64ConvertI64S, bytecode.OpI64TruncF64S, bytecode.OpF64ConvertI32S,
		bytecode.OpF32ConvertI32S, bytecode.OpF32ConvertI64S, bytecode.OpI32TruncF32S,
		bytecode.OpI32TruncF64S, bytecode.OpI64TruncF32S, bytecode.OpF32DemoteF64, bytecode.OpF64PromoteF32:
		v, err := unary(op.Code, fr.pop())
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)

	// --- Control flow ---
	case bytecode.OpJmp:
		target, _ := op.Target()
		if target <= pc {
			t.safepoint()
		}
		return ctlJump, target, nil
	case bytecode.OpBrIf, bytecode.OpBrIfFalse:
		taken := fr.pop().Truthy()
		if op.Code == bytecode.OpBrIfFalse {
			taken = !taken
		}
		if !taken {
			return ctlNext, 0, nil
		}
		target, _ := op.Target()
		if target <= pc {
			t.safepoint()
		}
		return ctlJump, target, nil
	case bytecode.OpCall:
		t.safepoint()
		callee, err := vm.function(op.Index())
		if err != nil {
			return 0, 0, err
		}
		args := fr.popN(op.Argc())
		v, err := t.call(callee, args)
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)
	case bytecode.OpRet:
		fr.result = fr.pop()
		return ctlReturn, 0, nil

	// --- Heap ---
	case bytecode.OpHeapAlloc:
		n := op.Index()
		t.gcPoint(slotsSize(n))
		slots := fr.popN(n)
		r, err := vm.heap.Alloc(&Object{Kind: ObjSlots, Slots: slots})
		if err != nil {
			return 0, 0, err
		}
		fr.push(RefValue(r))
	case bytecode.OpHeapAllocDyn, bytecode.OpHeapAllocDynSimple:
		n, ok := fr.peek().AsInt()
		if !ok || n < 0 {
			return 0, 0, typeErrorf("%s expects a non-negative integer size, got %s", op.Code, fr.peek())
		}
		if n > maxDynSlots {
			return 0, 0, faultf(ErrHeapLimit, "allocation of %d slots", n)
		}
		size := slotsSize(int(n))
		t.gcPoint(size)
		if vm.heap.WouldExceed(size) {
			return 0, 0, faultf(ErrHeapLimit, "allocation of %d slots (%d bytes)", n, size)
		}
		fr.pop()
		r, err := vm.heap.Alloc(&Object{Kind: ObjSlots, Slots: make([]Value, n)})
		if err != nil {
			return 0, 0, err
		}
		fr.push(RefValue(r))
	case bytecode.OpObjectNew:
		n := op.FieldCount()
		desc, ok := vm.literal(int(op.A))
		if !ok {
			return 0, 0, typeErrorf("shape index %d out of range", op.A)
		}
		shape := vm.heap.Shapes.Intern(desc)
		if len(shape.Fields) != n {
			return 0, 0, typeErrorf("shape {%s} has %d fields, %d given", desc, len(shape.Fields), n)
		}
		t.gcPoint(slotsSize(n))
		slots := fr.popN(n)
		r, err := vm.heap.Alloc(&Object{Kind: ObjObject, Shape: shape, Slots: slots})
		if err != nil {
			return 0, 0, err
		}
		fr.push(RefValue(r))
	case bytecode.OpHeapLoad:
		v, err := vm.heap.Load(fr.pop(), int64(op.Index()))
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)
	case bytecode.OpHeapStore:
		v := fr.pop()
		ref := fr.pop()
		if err := vm.heap.Store(ref, int64(op.Index()), v); err != nil {
			return 0, 0, err
		}
	case bytecode.OpHeapLoadDyn:
		i, ok := fr.pop().AsInt()
		if !ok {
			return 0, 0, typeErrorf("%s expects an integer index", op.Code)
		}
		v, err := vm.heap.Load(fr.pop(), i)
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)
	case bytecode.OpHeapStoreDyn:
		v := fr.pop()
		i, ok := fr.pop().AsInt()
		if !ok {
			return 0, 0, typeErrorf("%s expects an integer index", op.Code)
		}
		if err := vm.heap.Store(fr.pop(), i, v); err != nil {
			return 0, 0, err
		}
	case bytecode.OpHeapSize:
		obj, err := vm.heap.object(fr.pop())
		if err != nil {
			return 0, 0, err
		}
		fr.push(I64(int64(obj.Len())))
	case bytecode.OpGetField:
		ref := fr.pop()
		off, err := t.fieldOffset(fr, ref, op, pc)
		if err != nil {
			return 0, 0, err
		}
		v, err := vm.heap.Load(ref, int64(off))
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)
	case bytecode.OpSetField:
		v := fr.pop()
		ref := fr.pop()
		off, err := t.fieldOffset(fr, ref, op, pc)
		if err != nil {
			return 0, 0, err
		}
		if err := vm.heap.Store(ref, int64(off), v); err != nil {
			return 0, 0, err
		}

	// --- Runtime support ---
	case bytecode.OpSyscall:
		args := fr.popN(op.Argc())
		v, err := vm.callHost(uint32(op.Index()), args)
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)
	case bytecode.OpGcHint:
		t.gcPoint(int64(op.Index()))
	case bytecode.OpPrint:
		vm.print(fr.peek())
	case bytecode.OpTypeOf:
		v, err := vm.typeName(vm.typeOf(fr.pop()))
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)

	// --- Process arguments ---
	case bytecode.OpArgc:
		fr.push(I64(int64(len(vm.args))))
	case bytecode.OpArgv:
		i, ok := fr.peek().AsInt()
		if !ok {
			return 0, 0, typeErrorf("%s expects an integer index, got %s", op.Code, fr.peek())
		}
		if i < 0 || i >= int64(len(vm.args)) {
			fr.pop()
			return 0, 0, t.raise("argv index %d out of range (argc %d)", i, len(vm.args))
		}
		s := vm.args[i]
		t.gcPoint(stringSize(s))
		fr.pop()
		v, err := vm.newString(s)
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)
	case bytecode.OpArgs:
		size := slotsSize(len(vm.args))
		for _, s := range vm.args {
			size += stringSize(s)
		}
		t.gcPoint(size)
		slots := make([]Value, len(vm.args))
		for i, s := range vm.args {
			v, err := vm.newString(s)
			if err != nil {
				return 0, 0, err
			}
			slots[i] = v
		}
		r, err := vm.heap.Alloc(&Object{Kind: ObjSlots, Slots: slots})
		if err != nil {
			return 0, 0, err
		}
		fr.push(RefValue(r))

	// --- Exceptions ---
	case bytecode.OpThrow:
		return 0, 0, t.throw(fr.pop())
	case bytecode.OpTryBegin:
		target, _ := op.Target()
		fr.handlers = append(fr.handlers, handler{target: target, height: len(fr.stack)})
	case bytecode.OpTryEnd:
		if n := len(fr.handlers); n > 0 {
			fr.handlers = fr.handlers[:n-1]
		}

	// --- Threads and channels ---
	case bytecode.OpThreadSpawn:
		t.safepoint()
		callee, err := vm.function(op.Index())
		if err != nil {
			return 0, 0, err
		}
		id, err := vm.spawn(callee)
		if err != nil {
			return 0, 0, err
		}
		fr.push(I64(int64(id)))
	case bytecode.OpChannelCreate:
		t.safepoint()
		fr.push(I64(vm.channels.create()))
	case bytecode.OpChannelSend:
		v := fr.pop()
		if err := t.send(fr.pop(), v); err != nil {
			return 0, 0, err
		}
	case bytecode.OpChannelRecv:
		v, err := t.recv(fr.pop())
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)
	case bytecode.OpChannelClose:
		ch, _, err := t.channel(fr.pop())
		if err != nil {
			return 0, 0, err
		}
		ch.Close()
	case bytecode.OpThreadJoin:
		v, err := t.join(fr.pop())
		if err != nil {
			return 0, 0, err
		}
		fr.push(v)

	default:
		if isBinary(op.Code) {
			b := fr.pop()
			v, err := binary(op.Code, fr.pop(), b)
			if err != nil {
				return 0, 0, err
			}
			fr.push(v)
			return ctlNext, 0, nil
		}
		return 0, 0, faultf(ErrInternal, "unhandled opcode %s", op.Code)
	}
	return ctlNext, 0, nil
}

// isBinary reports whether code pops two operands and pushes one result
// through binary.
func isBinary(code bytecode.Opcode) bool {
	return (code >= bytecode.OpI32Add && code <= bytecode.OpF64Ge) || code == bytecode.OpRefEq ||
		(code >= bytecode.OpI64And && code <= bytecode.OpI64ShrU)
}

// pick returns the value n slots below the top of the stack.
func (fr *frame) pick(n int) (Value, error) {
	if n < 0 || n >= len(fr.stack) {
		return Null, typeErrorf("pick depth %d exceeds stack height %d", n, len(fr.stack))
	}
	return fr.stack[len(fr.stack)-1-n], nil
}

func slotsSize(n int) int64 { return objectHeaderBytes + int64(n)*slotBytes }

func stringSize(s string) int64 { return objectHeaderBytes + int64(len(s)) }

// literal returns string literal idx of the running chunk.
func (vm *VM) literal(idx int) (string, bool) {
	if idx < 0 || idx >= len(vm.chunk.Strings) {
		return "", false
	}
	return vm.chunk.Strings[idx], true
}

// fieldOffset resolves the slot of the field op names in the object ref
// points to, consulting and updating the inline cache at pc.
func (t *thread) fieldOffset(fr *frame, ref Value, op bytecode.Op, pc int) (int, error) {
	obj, err := t.vm.heap.object(ref)
	if err != nil {
		return 0, err
	}
	if obj.Kind != ObjObject || obj.Shape == nil {
		return 0, typeErrorf("%s on %s", op.Code, obj.Kind)
	}
	if off, ok := fr.fn.ics.Check(pc, obj.Shape.ID); ok {
		return off, nil
	}
	name, ok := t.vm.literal(op.Index())
	if !ok {
		return 0, typeErrorf("field name index %d out of range", op.Index())
	}
	off, ok := obj.Shape.Offset(name)
	if !ok {
		return 0, typeErrorf("object has no field %q", name)
	}
	fr.fn.ics.Update(pc, obj.Shape.ID, off)
	return off, nil
}

// typeOf names the type of v for TypeOf.
func (vm *VM) typeOf(v Value) string {
	if v.Kind != KindRef {
		return v.Kind.String()
	}
	obj := vm.heap.Get(v.AsRef())
	if obj == nil {
		return "null"
	}
	return obj.Kind.String()
}

// print writes v and a newline to Stdout.
func (vm *VM) print(v Value) {
	s := vm.Format(v) + "\n"
	vm.outMu.Lock()
	defer vm.outMu.Unlock()
	_, _ = io.WriteString(vm.Stdout, s)
}
