package bytecode

import "fmt"

// Opcode is the one-byte tag identifying an instruction in the MOCA format.
// Values are grouped into ranges by category.
type Opcode byte

const (
	// ========================================================================
	// Constants (0-5)
	// ========================================================================

	OpI32Const    Opcode = 0 // Push i32 immediate
	OpI64Const    Opcode = 1 // Push i64 immediate (PushInt)
	OpF32Const    Opcode = 2 // Push f32 immediate
	OpF64Const    Opcode = 3 // Push f64 immediate
	OpRefNull     Opcode = 4 // Push null reference
	OpStringConst Opcode = 5 // Push string literal: <index:u32> (PushString)

	// ========================================================================
	// Locals (6-7)
	// ========================================================================

	OpLocalGet Opcode = 6 // Push local: <slot:u32>
	OpLocalSet Opcode = 7 // Pop into local: <slot:u32>

	// ========================================================================
	// Stack manipulation (8-11)
	// ========================================================================

	OpDrop    Opcode = 8  // Discard top of stack
	OpDup     Opcode = 9  // Duplicate top of stack
	OpPick    Opcode = 10 // Copy the value n below the top: <n:u32>
	OpPickDyn Opcode = 11 // Pop n, copy the value n below the top

	// ========================================================================
	// i32 arithmetic (12-17)
	// ========================================================================

	OpI32Add  Opcode = 12
	OpI32Sub  Opcode = 13
	OpI32Mul  Opcode = 14
	OpI32DivS Opcode = 15
	OpI32RemS Opcode = 16
	OpI32Eqz  Opcode = 17

	// ========================================================================
	// i64 arithmetic (18-23)
	// ========================================================================

	OpI64Add  Opcode = 18
	OpI64Sub  Opcode = 19
	OpI64Mul  Opcode = 20
	OpI64DivS Opcode = 21
	OpI64RemS Opcode = 22
	OpI64Neg  Opcode = 23

	// ========================================================================
	// f32 / f64 arithmetic (24-33)
	// ========================================================================

	OpF32Add Opcode = 24
	OpF32Sub Opcode = 25
	OpF32Mul Opcode = 26
	OpF32Div Opcode = 27
	OpF32Neg Opcode = 28

	OpF64Add Opcode = 29
	OpF64Sub Opcode = 30
	OpF64Mul Opcode = 31
	OpF64Div Opcode = 32
	OpF64Neg Opcode = 33

	// ========================================================================
	// Comparisons (34-57), each pushes i32 0 or 1
	// ========================================================================

	OpI32Eq  Opcode = 34
	OpI32Ne  Opcode = 35
	OpI32LtS Opcode = 36
	OpI32LeS Opcode = 37
	OpI32GtS Opcode = 38
	OpI32GeS Opcode = 39

	OpI64Eq  Opcode = 40
	OpI64Ne  Opcode = 41
	OpI64LtS Opcode = 42
	OpI64LeS Opcode = 43
	OpI64GtS Opcode = 44
	OpI64GeS Opcode = 45

	OpF32Eq Opcode = 46
	OpF32Ne Opcode = 47
	OpF32Lt Opcode = 48
	OpF32Le Opcode = 49
	OpF32Gt Opcode = 50
	OpF32Ge Opcode = 51

	OpF64Eq Opcode = 52
	OpF64Ne Opcode = 53
	OpF64Lt Opcode = 54
	OpF64Le Opcode = 55
	OpF64Gt Opcode = 56
	OpF64Ge Opcode = 57

	// ========================================================================
	// References (58-59)
	// ========================================================================

	OpRefEq     Opcode = 58
	OpRefIsNull Opcode = 59

	// ========================================================================
	// Conversions (60-72)
	// ========================================================================

	OpI32WrapI64     Opcode = 60
	OpI64ExtendI32S  Opcode = 61
	OpI64ExtendI32U  Opcode = 62
	OpF64ConvertI64S Opcode = 63
	OpI64TruncF64S   Opcode = 64
	OpF64ConvertI32S Opcode = 65
	OpF32ConvertI32S Opcode = 66
	OpF32ConvertI64S Opcode = 67
	OpI32TruncF32S   Opcode = 68
	OpI32TruncF64S   Opcode = 69
	OpI64TruncF32S   Opcode = 70
	OpF32DemoteF64   Opcode = 71
	OpF64PromoteF32  Opcode = 72

	// ========================================================================
	// Control flow (73-77)
	// ========================================================================

	OpJmp       Opcode = 73 // <target:u32>
	OpBrIf      Opcode = 74 // Pop condition, jump if truthy: <target:u32>
	OpBrIfFalse Opcode = 75 // Pop condition, jump if falsy: <target:u32>
	OpCall      Opcode = 76 // <func:u32> <argc:u32>
	OpRet       Opcode = 77

	// ========================================================================
	// Heap (78-84)
	// ========================================================================

	OpHeapAlloc          Opcode = 78 // Pop n values into a new slot object: <n:u32>
	OpHeapAllocDyn       Opcode = 79 // Pop size, allocate size null slots
	OpHeapAllocDynSimple Opcode = 80 // Pop size, allocate size null slots
	OpHeapLoad           Opcode = 81 // <offset:u32>
	OpHeapStore          Opcode = 82 // <offset:u32>
	OpHeapLoadDyn        Opcode = 83
	OpHeapStoreDyn       Opcode = 84

	// 85 is retired.

	OpSyscall Opcode = 86 // Call a host function: <num:u32> <argc:u32>

	// ========================================================================
	// Runtime support (87-90)
	// ========================================================================

	OpGcHint   Opcode = 87 // Hint an upcoming allocation: <bytes:u32>
	OpPrint    Opcode = 88 // Print top of stack, leaving it in place
	OpTypeOf   Opcode = 89 // Replace top of stack with its type name
	OpHeapSize Opcode = 90 // Replace a reference with its slot count

	// 91-92 are retired.

	// ========================================================================
	// Exceptions (93-95)
	// ========================================================================

	OpThrow    Opcode = 93
	OpTryBegin Opcode = 94 // <handler:u32>
	OpTryEnd   Opcode = 95

	// ========================================================================
	// Process arguments (96-98)
	// ========================================================================

	OpArgc Opcode = 96 // Push the argument count
	OpArgv Opcode = 97 // Pop index, push that argument as a string
	OpArgs Opcode = 98 // Push every argument as an array of strings

	// ========================================================================
	// Threads and channels (99-103, 131)
	// ========================================================================

	OpThreadSpawn   Opcode = 99 // <func:u32>
	OpChannelCreate Opcode = 100
	OpChannelSend   Opcode = 101
	OpChannelRecv   Opcode = 102
	OpThreadJoin    Opcode = 103

	// 104-109 are reserved.

	// ========================================================================
	// i64 bitwise (110-115), shift counts are taken mod 64
	// ========================================================================

	OpI64And  Opcode = 110
	OpI64Or   Opcode = 111
	OpI64Xor  Opcode = 112
	OpI64Shl  Opcode = 113
	OpI64ShrS Opcode = 114
	OpI64ShrU Opcode = 115

	// 116-127 are reserved.

	// ========================================================================
	// Shaped objects (128-130)
	// ========================================================================

	OpObjectNew Opcode = 128 // Pop fields into a shaped object: <shape:u32> <n:u32>
	OpGetField  Opcode = 129 // <name:u32>
	OpSetField  Opcode = 130 // <name:u32>

	OpChannelClose Opcode = 131
)

// OperandKind describes the immediate operands that follow an opcode.
type OperandKind uint8

const (
	OperandNone    OperandKind = iota
	OperandI32                 // 4 bytes, signed
	OperandI64                 // 8 bytes, signed
	OperandF32                 // 4 bytes, IEEE 754
	OperandF64                 // 8 bytes, IEEE 754
	OperandU32                 // 4 bytes
	OperandU32Pair             // 8 bytes, two u32
)

// Len returns the encoded size of the operands in bytes.
func (k OperandKind) Len() int {
	switch k {
	case OperandI32, OperandF32, OperandU32:
		return 4
	case OperandI64, OperandF64, OperandU32Pair:
		return 8
	default:
		return 0
	}
}

// OpcodeInfo provides metadata about each opcode for validation and
// disassembly. StackPop is -1 when the pop count depends on the operands.
type OpcodeInfo struct {
	Name      string
	StackPop  int
	StackPush int
	Operands  OperandKind
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpI32Const:    {"I32_CONST", 0, 1, OperandI32},
	OpI64Const:    {"I64_CONST", 0, 1, OperandI64},
	OpF32Const:    {"F32_CONST", 0, 1, OperandF32},
	OpF64Const:    {"F64_CONST", 0, 1, OperandF64},
	OpRefNull:     {"REF_NULL", 0, 1, OperandNone},
	OpStringConst: {"STRING_CONST", 0, 1, OperandU32},

	OpLocalGet: {"LOCAL_GET", 0, 1, OperandU32},
	OpLocalSet: {"LOCAL_SET", 1, 0, OperandU32},

	OpDrop:    {"DROP", 1, 0, OperandNone},
	OpDup:     {"DUP", 1, 2, OperandNone},
	OpPick:    {"PICK", -1, -1, OperandU32},
	OpPickDyn: {"PICK_DYN", 1, 1, OperandNone},

	OpI32Add:  {"I32_ADD", 2, 1, OperandNone},
	OpI32Sub:  {"I32_SUB", 2, 1, OperandNone},
	OpI32Mul:  {"I32_MUL", 2, 1, OperandNone},
	OpI32DivS: {"I32_DIV_S", 2, 1, OperandNone},
	OpI32RemS: {"I32_REM_S", 2, 1, OperandNone},
	OpI32Eqz:  {"I32_EQZ", 1, 1, OperandNone},

	OpI64Add:  {"I64_ADD", 2, 1, OperandNone},
	OpI64Sub:  {"I64_SUB", 2, 1, OperandNone},
	OpI64Mul:  {"I64_MUL", 2, 1, OperandNone},
	OpI64DivS: {"I64_DIV_S", 2, 1, OperandNone},
	OpI64RemS: {"I64_REM_S", 2, 1, OperandNone},
	OpI64Neg:  {"I64_NEG", 1, 1, OperandNone},

	OpF32Add: {"F32_ADD", 2, 1, OperandNone},
	OpF32Sub: {"F32_SUB", 2, 1, OperandNone},
	OpF32Mul: {"F32_MUL", 2, 1, OperandNone},
	OpF32Div: {"F32_DIV", 2, 1, OperandNone},
	OpF32Neg: {"F32_NEG", 1, 1, OperandNone},

	OpF64Add: {"F64_ADD", 2, 1, OperandNone},
	OpF64Sub: {"F64_SUB", 2, 1, OperandNone},
	OpF64Mul: {"F64_MUL", 2, 1, OperandNone},
	OpF64Div: {"F64_DIV", 2, 1, OperandNone},
	OpF64Neg: {"F64_NEG", 1, 1, OperandNone},

	OpI32Eq:  {"I32_EQ", 2, 1, OperandNone},
	OpI32Ne:  {"I32_NE", 2, 1, OperandNone},
	OpI32LtS: {"I32_LT_S", 2, 1, OperandNone},
	OpI32LeS: {"I32_LE_S", 2, 1, OperandNone},
	OpI32GtS: {"I32_GT_S", 2, 1, OperandNone},
	OpI32GeS: {"I32_GE_S", 2, 1, OperandNone},

	OpI64Eq:  {"I64_EQ", 2, 1, OperandNone},
	OpI64Ne:  {"I64_NE", 2, 1, OperandNone},
	OpI64LtS: {"I64_LT_S", 2, 1, OperandNone},
	OpI64LeS: {"I64_LE_S", 2, 1, OperandNone},
	OpI64GtS: {"I64_GT_S", 2, 1, OperandNone},
	OpI64GeS: {"I64_GE_S", 2, 1, OperandNone},

	OpF32Eq: {"F32_EQ", 2, 1, OperandNone},
	OpF32Ne: {"F32_NE", 2, 1, OperandNone},
	OpF32Lt: {"F32_LT", 2, 1, OperandNone},
	OpF32Le: {"F32_LE", 2, 1, OperandNone},
	OpF32Gt: {"F32_GT", 2, 1, OperandNone},
	OpF32Ge: {"F32_GE", 2, 1, OperandNone},

	OpF64Eq: {"F64_EQ", 2, 1, OperandNone},
	OpF64Ne: {"F64_NE", 2, 1, OperandNone},
	OpF64Lt: {"F64_LT", 2, 1, OperandNone},
	OpF64Le: {"F64_LE", 2, 1, OperandNone},
	OpF64Gt: {"F64_GT", 2, 1, OperandNone},
	OpF64Ge: {"F64_GE", 2, 1, OperandNone},

	OpRefEq:     {"REF_EQ", 2, 1, OperandNone},
	OpRefIsNull: {"REF_IS_NULL", 1, 1, OperandNone},

	OpI32WrapI64:     {"I32_WRAP_I64", 1, 1, OperandNone},
	OpI64ExtendI32S:  {"I64_EXTEND_I32_S", 1, 1, OperandNone},
	OpI64ExtendI32U:  {"I64_EXTEND_I32_U", 1, 1, OperandNone},
	OpF64ConvertI64S: {"F64_CONVERT_I64_S", 1, 1, OperandNone},
	OpI64TruncF64S:   {"I64_TRUNC_F64_S", 1, 1, OperandNone},
	OpF64ConvertI32S: {"F64_CONVERT_I32_S", 1, 1, OperandNone},
	OpF32ConvertI32S: {"F32_CONVERT_I32_S", 1, 1, OperandNone},
	OpF32ConvertI64S: {"F32_CONVERT_I64_S", 1, 1, OperandNone},
	OpI32TruncF32S:   {"I32_TRUNC_F32_S", 1, 1, OperandNone},
	OpI32TruncF64S:   {"I32_TRUNC_F64_S", 1, 1, OperandNone},
	OpI64TruncF32S:   {"I64_TRUNC_F32_S", 1, 1, OperandNone},
	OpF32DemoteF64:   {"F32_DEMOTE_F64", 1, 1, OperandNone},
	OpF64PromoteF32:  {"F64_PROMOTE_F32", 1, 1, OperandNone},

	OpJmp:       {"JMP", 0, 0, OperandU32},
	OpBrIf:      {"BR_IF", 1, 0, OperandU32},
	OpBrIfFalse: {"BR_IF_FALSE", 1, 0, OperandU32},
	OpCall:      {"CALL", -1, 1, OperandU32Pair},
	OpRet:       {"RET", 1, 0, OperandNone},

	OpHeapAlloc:          {"HEAP_ALLOC", -1, 1, OperandU32},
	OpHeapAllocDyn:       {"HEAP_ALLOC_DYN", 1, 1, OperandNone},
	OpHeapAllocDynSimple: {"HEAP_ALLOC_DYN_SIMPLE", 1, 1, OperandNone},
	OpHeapLoad:           {"HEAP_LOAD", 1, 1, OperandU32},
	OpHeapStore:          {"HEAP_STORE", 2, 0, OperandU32},
	OpHeapLoadDyn:        {"HEAP_LOAD_DYN", 2, 1, OperandNone},
	OpHeapStoreDyn:       {"HEAP_STORE_DYN", 3, 0, OperandNone},

	OpSyscall: {"SYSCALL", -1, 1, OperandU32Pair},

	OpGcHint:   {"GC_HINT", 0, 0, OperandU32},
	OpPrint:    {"PRINT", 1, 1, OperandNone},
	OpTypeOf:   {"TYPE_OF", 1, 1, OperandNone},
	OpHeapSize: {"HEAP_SIZE", 1, 1, OperandNone},

	OpThrow:    {"THROW", 1, 0, OperandNone},
	OpTryBegin: {"TRY_BEGIN", 0, 0, OperandU32},
	OpTryEnd:   {"TRY_END", 0, 0, OperandNone},

	OpArgc: {"ARGC", 0, 1, OperandNone},
	OpArgv: {"ARGV", 1, 1, OperandNone},
	OpArgs: {"ARGS", 0, 1, OperandNone},

	OpThreadSpawn:   {"THREAD_SPAWN", 0, 1, OperandU32},
	OpChannelCreate: {"CHANNEL_CREATE", 0, 1, OperandNone},
	OpChannelSend:   {"CHANNEL_SEND", 2, 0, OperandNone},
	OpChannelRecv:   {"CHANNEL_RECV", 1, 1, OperandNone},
	OpThreadJoin:    {"THREAD_JOIN", 1, 1, OperandNone},

	OpI64And:  {"I64_AND", 2, 1, OperandNone},
	OpI64Or:   {"I64_OR", 2, 1, OperandNone},
	OpI64Xor:  {"I64_XOR", 2, 1, OperandNone},
	OpI64Shl:  {"I64_SHL", 2, 1, OperandNone},
	OpI64ShrS: {"I64_SHR_S", 2, 1, OperandNone},
	OpI64ShrU: {"I64_SHR_U", 2, 1, OperandNone},

	OpObjectNew: {"OBJECT_NEW", -1, 1, OperandU32Pair},
	OpGetField:  {"GET_FIELD", 1, 1, OperandU32},
	OpSetField:  {"SET_FIELD", 2, 0, OperandU32},

	OpChannelClose: {"CHANNEL_CLOSE", 1, 0, OperandNone},
}

// retiredOpcodes lists tags that were used by earlier formats, or belong to
// instructions this VM does not implement, and must never be reassigned.
var retiredOpcodes = func() map[Opcode]bool {
	m := map[Opcode]bool{85: true, 91: true, 92: true}
	for op := Opcode(104); op <= 109; op++ {
		m[op] = true
	}
	for op := Opcode(116); op <= 127; op++ {
		m[op] = true
	}
	return m
}()

// GetOpcodeInfo returns metadata for an opcode.
// Returns an OpcodeInfo named "UNKNOWN(n)" if the opcode is not defined.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(%d)", byte(op))}
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// Retired reports whether op is a permanently reserved legacy tag.
func (op Opcode) Retired() bool {
	return retiredOpcodes[op]
}

// Operands returns the operand layout for this opcode.
func (op Opcode) Operands() OperandKind {
	return GetOpcodeInfo(op).Operands
}

// IsJump returns true for Jmp, BrIf and BrIfFalse.
func (op Opcode) IsJump() bool {
	return op >= OpJmp && op <= OpBrIfFalse
}

// IsConditionalJump returns true for BrIf and BrIfFalse.
func (op Opcode) IsConditionalJump() bool {
	return op == OpBrIf || op == OpBrIfFalse
}

// IsTerminator returns true if control never falls through this opcode.
func (op Opcode) IsTerminator() bool {
	return op == OpRet || op == OpThrow || op == OpJmp
}

// IsAllocation returns true if the opcode allocates on the managed heap at a
// point where the collector may run.
func (op Opcode) IsAllocation() bool {
	switch op {
	case OpHeapAlloc, OpHeapAllocDyn, OpHeapAllocDynSimple, OpObjectNew, OpArgv, OpArgs:
		return true
	}
	return false
}

// AllOpcodes returns every defined opcode in ascending tag order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for i := 0; i < 256; i++ {
		if _, ok := opcodeInfoTable[Opcode(i)]; ok {
			opcodes = append(opcodes, Opcode(i))
		}
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
