package vm

import (
	"fmt"
	"math"
	"strconv"

	"github.com/chazu/moca/vm/jit"
)

// ---------------------------------------------------------------------------
// Value: a tagged 64-bit slot
// ---------------------------------------------------------------------------

// Kind is the type tag carried by every Value.
type Kind uint8

// Kind tags share their encoding with native code, which reads and writes
// the tag byte of register-file slots directly.
const (
	KindNull = Kind(jit.KindNull)
	KindI32  = Kind(jit.KindI32)
	KindI64  = Kind(jit.KindI64)
	KindF32  = Kind(jit.KindF32)
	KindF64  = Kind(jit.KindF64)
	KindRef  = Kind(jit.KindRef)
)

var kindNames = [...]string{"null", "i32", "i64", "f32", "f64", "ref"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is one operand-stack, local or register-file slot. Its layout is
// the register-file layout native code expects: 8 bytes of value bits
// followed by the kind tag, padded to 16 bytes.
//
// i32 values are stored zero-extended and f32 values keep their bits in the
// low 32 bits. A reference stores its GcRef.
type Value struct {
	Bits uint64
	Kind Kind
	_    [7]byte
}

// Null is the null reference. The zero Value is Null.
var Null = Value{}

func I32(v int32) Value      { return Value{Bits: uint64(uint32(v)), Kind: KindI32} }
func I64(v int64) Value      { return Value{Bits: uint64(v), Kind: KindI64} }
func F32(v float32) Value    { return Value{Bits: uint64(math.Float32bits(v)), Kind: KindF32} }
func F64(v float64) Value    { return Value{Bits: math.Float64bits(v), Kind: KindF64} }
func RefValue(r GcRef) Value { return Value{Bits: uint64(r), Kind: KindRef} }

// Bool returns the i32 encoding of a comparison result.
func Bool(b bool) Value {
	if b {
		return I32(1)
	}
	return I32(0)
}

func (v Value) AsI32() int32   { return int32(uint32(v.Bits)) }
func (v Value) AsI64() int64   { return int64(v.Bits) }
func (v Value) AsF32() float32 { return math.Float32frombits(uint32(v.Bits)) }
func (v Value) AsF64() float64 { return math.Float64frombits(v.Bits) }
func (v Value) AsRef() GcRef   { return GcRef(v.Bits) }

// IsNull reports whether v is the null reference.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// IsRef reports whether v names a heap object.
func (v Value) IsRef() bool { return v.Kind == KindRef && v.Bits != 0 }

// Truthy is the branch condition: any value with non-zero bits.
func (v Value) Truthy() bool { return v.Bits != 0 }

// Same is reference equality: identical kind and bits.
func (v Value) Same(o Value) bool { return v.Kind == o.Kind && v.Bits == o.Bits }

// AsInt returns an integer operand of either width.
func (v Value) AsInt() (int64, bool) {
	switch v.Kind {
	case KindI32:
		return int64(v.AsI32()), true
	case KindI64:
		return v.AsI64(), true
	}
	return 0, false
}

// String formats scalars. References print as their heap index; use
// VM.Format for object contents.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindI32:
		return strconv.FormatInt(int64(v.AsI32()), 10)
	case KindI64:
		return strconv.FormatInt(v.AsI64(), 10)
	case KindF32:
		return strconv.FormatFloat(float64(v.AsF32()), 'g', -1, 32)
	case KindF64:
		return strconv.FormatFloat(v.AsF64(), 'g', -1, 64)
	case KindRef:
		return fmt.Sprintf("<ref %d>", v.Bits)
	}
	return fmt.Sprintf("<%s %#x>", v.Kind, v.Bits)
}
