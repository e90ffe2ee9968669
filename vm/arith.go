package vm

import (
	"math"

	"github.com/chazu/moca/pkg/bytecode"
)

// Arithmetic shared by the interpreter and the quickened tier. Native code
// implements the same rules: integers wrap, MinInt / -1 is MinInt with
// remainder 0, operands must have exactly the opcode's kind, and a float to
// integer truncation that is NaN or out of range yields the most negative
// integer (the x86 "integer indefinite" value).

const (
	signBit64 = 1 << 63
	signBit32 = 1 << 31
)

func operandError(code bytecode.Opcode, want Kind, got ...Value) error {
	if len(got) == 1 {
		return typeErrorf("%s expects %s, got %s", code, want, got[0].Kind)
	}
	return typeErrorf("%s expects %s operands, got %s and %s", code, want, got[0].Kind, got[1].Kind)
}

// binary applies a two-operand opcode: arithmetic, comparison or RefEq.
func binary(code bytecode.Opcode, a, b Value) (Value, error) {
	switch {
	case code >= bytecode.OpI32Add && code <= bytecode.OpI32RemS:
		if a.Kind != KindI32 || b.Kind != KindI32 {
			return Null, operandError(code, KindI32, a, b)
		}
		x, y := a.AsI32(), b.AsI32()
		switch code {
		case bytecode.OpI32Add:
			return I32(x + y), nil
		case bytecode.OpI32Sub:
			return I32(x - y), nil
		case bytecode.OpI32Mul:
			return I32(x * y), nil
		}
		if y == 0 {
			return Null, faultf(ErrDivisionByZero, "%s", code)
		}
		if code == bytecode.OpI32DivS {
			return I32(x / y), nil
		}
		return I32(x % y), nil

	case code >= bytecode.OpI64Add && code <= bytecode.OpI64RemS:
		if a.Kind != KindI64 || b.Kind != KindI64 {
			return Null, operandError(code, KindI64, a, b)
		}
		x, y := a.AsI64(), b.AsI64()
		switch code {
		case bytecode.OpI64Add:
			return I64(x + y), nil
		case bytecode.OpI64Sub:
			return I64(x - y), nil
		case bytecode.OpI64Mul:
			return I64(x * y), nil
		}
		if y == 0 {
			return Null, faultf(ErrDivisionByZero, "%s", code)
		}
		if code == bytecode.OpI64DivS {
			return I64(x / y), nil
		}
		return I64(x % y), nil

	case code >= bytecode.OpI64And && code <= bytecode.OpI64ShrU:
		if a.Kind != KindI64 || b.Kind != KindI64 {
			return Null, operandError(code, KindI64, a, b)
		}
		x, y := a.AsI64(), b.AsI64()
		n := uint64(y) & 63
		switch code {
		case bytecode.OpI64And:
			return I64(x & y), nil
		case bytecode.OpI64Or:
			return I64(x | y), nil
		case bytecode.OpI64Xor:
			return I64(x ^ y), nil
		case bytecode.OpI64Shl:
			return I64(x << n), nil
		case bytecode.OpI64ShrS:
			return I64(x >> n), nil
		}
		return I64(int64(uint64(x) >> n)), nil

	case code >= bytecode.OpF32Add && code <= bytecode.OpF32Div:
		if a.Kind != KindF32 || b.Kind != KindF32 {
			return Null, operandError(code, KindF32, a, b)
		}
		x, y := a.AsF32(), b.AsF32()
		switch code {
		case bytecode.OpF32Add:
			return F32(x + y), nil
		case bytecode.OpF32Sub:
			return F32(x - y), nil
		case bytecode.OpF32Mul:
			return F32(x * y), nil
		}
		return F32(x / y), nil

	case code >= bytecode.OpF64Add && code <= bytecode.OpF64Div:
		if a.Kind != KindF64 || b.Kind != KindF64 {
			return Null, operandError(code, KindF64, a, b)
		}
		x, y := a.AsF64(), b.AsF64()
		switch code {
		case bytecode.OpF64Add:
			return F64(x + y), nil
		case bytecode.OpF64Sub:
			return F64(x - y), nil
		case bytecode.OpF64Mul:
			return F64(x * y), nil
		}
		return F64(x / y), nil

	case code >= bytecode.OpI32Eq && code <= bytecode.OpF64Ge:
		return compare(code, a, b)

	case code == bytecode.OpRefEq:
		return Bool(a.Same(b)), nil
	}
	return Null, faultf(ErrInternal, "unhandled binary opcode %s", code)
}

// Comparison opcodes come in groups of six, one group per operand kind, in
// the order eq, ne, lt, le, gt, ge.
var compareGroups = [...]struct {
	base bytecode.Opcode
	kind Kind
}{
	{bytecode.OpI32Eq, KindI32},
	{bytecode.OpI64Eq, KindI64},
	{bytecode.OpF32Eq, KindF32},
	{bytecode.OpF64Eq, KindF64},
}

func compare(code bytecode.Opcode, a, b Value) (Value, error) {
	g := compareGroups[(code-bytecode.OpI32Eq)/6]
	cond := code - g.base
	if a.Kind != g.kind || b.Kind != g.kind {
		return Null, operandError(code, g.kind, a, b)
	}
	switch g.kind {
	case KindI32:
		return Bool(compareOrdered(cond, a.AsI32(), b.AsI32())), nil
	case KindI64:
		return Bool(compareOrdered(cond, a.AsI64(), b.AsI64())), nil
	case KindF32:
		return Bool(compareOrdered(cond, a.AsF32(), b.AsF32())), nil
	}
	return Bool(compareOrdered(cond, a.AsF64(), b.AsF64())), nil
}

// compareOrdered evaluates condition cond. For floats any comparison with
// NaN is false except ne.
func compareOrdered[T int32 | int64 | float32 | float64](cond bytecode.Opcode, x, y T) bool {
	switch cond {
	case 0:
		return x == y
	case 1:
		return x != y
	case 2:
		return x < y
	case 3:
		return x <= y
	case 4:
		return x > y
	}
	return x >= y
}

// unary applies a one-operand opcode: negation, eqz, RefIsNull or a
// conversion.
func unary(code bytecode.Opcode, v Value) (Value, error) {
	want := unaryOperand(code)
	if code != bytecode.OpRefIsNull && v.Kind != want {
		return Null, operandError(code, want, v)
	}
	switch code {
	case bytecode.OpI32Eqz:
		return Bool(v.AsI32() == 0), nil
	case bytecode.OpI64Neg:
		return I64(-v.AsI64()), nil
	case bytecode.OpF32Neg:
		return Value{Bits: v.Bits ^ signBit32, Kind: KindF32}, nil
	case bytecode.OpF64Neg:
		return Value{Bits: v.Bits ^ signBit64, Kind: KindF64}, nil
	case bytecode.OpRefIsNull:
		return Bool(v.Kind == KindNull), nil

	case bytecode.OpI32WrapI64:
		return I32(int32(v.AsI64())), nil
	case bytecode.OpI64ExtendI32S:
		return I64(int64(v.AsI32())), nil
	case bytecode.OpI64ExtendI32U:
		return I64(int64(uint32(v.AsI32()))), nil
	case bytecode.OpF64ConvertI64S:
		return F64(float64(v.AsI64())), nil
	case bytecode.OpI64TruncF64S:
		return I64(truncI64(v.AsF64())), nil
	case bytecode.OpF64ConvertI32S:
		return F64(float64(v.AsI32())), nil
	case bytecode.OpF32ConvertI32S:
		return F32(float32(v.AsI32())), nil
	case bytecode.OpF32ConvertI64S:
		return F32(float32(v.AsI64())), nil
	case bytecode.OpI32TruncF32S:
		return I32(truncI32(float64(v.AsF32()))), nil
	case bytecode.OpI32TruncF64S:
		return I32(truncI32(v.AsF64())), nil
	case bytecode.OpI64TruncF32S:
		return I64(truncI64(float64(v.AsF32()))), nil
	case bytecode.OpF32DemoteF64:
		return F32(float32(v.AsF64())), nil
	case bytecode.OpF64PromoteF32:
		return F64(float64(v.AsF32())), nil
	}
	return Null, faultf(ErrInternal, "unhandled unary opcode %s", code)
}

// unaryOperand is the kind the operand of a unary opcode must have.
func unaryOperand(code bytecode.Opcode) Kind {
	switch code {
	case bytecode.OpI32Eqz, bytecode.OpI64ExtendI32S, bytecode.OpI64ExtendI32U,
		bytecode.OpF64ConvertI32S, bytecode.OpF32ConvertI32S:
		return KindI32
	case bytecode.OpI64Neg, bytecode.OpI32WrapI64, bytecode.OpF64ConvertI64S, bytecode.OpF32ConvertI64S:
		return KindI64
	case bytecode.OpF32Neg, bytecode.OpI32TruncF32S, bytecode.OpI64TruncF32S, bytecode.OpF64PromoteF32:
		return KindF32
	}
	return KindF64
}

func truncI32(f float64) int32 {
	if f > -2147483649.0 && f < 2147483648.0 {
		return int32(f)
	}
	return math.MinInt32
}

func truncI64(f float64) int64 {
	if f >= -9223372036854775808.0 && f < 9223372036854775808.0 {
		return int64(f)
	}
	return math.MinInt64
}
