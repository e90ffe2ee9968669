//go:build linux && amd64

package jit

import (
	"math"
	"testing"
	"unsafe"

	"github.com/chazu/moca/pkg/bytecode"
)

type slot struct {
	Bits uint64
	Kind uint8
	_    [7]byte
}

func i64(v int64) slot   { return slot{Bits: uint64(v), Kind: KindI64} }
func i32(v int32) slot   { return slot{Bits: uint64(uint32(v)), Kind: KindI32} }
func f64(v float64) slot { return slot{Bits: math.Float64bits(v), Kind: KindF64} }

func install(t *testing.T, fn *bytecode.Function) *Code {
	t.Helper()
	code := compile(t, fn)
	if err := code.Install(); err != nil {
		t.Fatalf("install: %v", err)
	}
	t.Cleanup(func() { code.Release() })
	return code
}

func call(t *testing.T, code *Code, poll *uint32, args ...slot) ([]slot, Status) {
	t.Helper()
	regs := make([]slot, code.Registers)
	copy(regs, args)
	s, err := code.Call(unsafe.Pointer(&regs[0]), poll, 0)
	if err != nil {
		t.Fatal(err)
	}
	return regs, s
}

func run(t *testing.T, fn *bytecode.Function, args ...slot) (slot, Status) {
	t.Helper()
	var poll uint32
	regs, s := call(t, install(t, fn), &poll, args...)
	if reg, ok := s.Returned(); ok {
		return regs[reg], s
	}
	return slot{}, s
}

func TestSlotLayout(t *testing.T) {
	if unsafe.Sizeof(slot{}) != SlotSize || unsafe.Offsetof(slot{}.Kind) != KindOffset {
		t.Fatal("test slot does not match register file layout")
	}
}

func TestNativeSum(t *testing.T) {
	got, s := run(t, sumTo(), i64(2_500_000))
	if _, ok := s.Returned(); !ok {
		t.Fatalf("status %v", s)
	}
	if got.Kind != KindI64 || int64(got.Bits) != 3125001250000 {
		t.Errorf("got %+v", got)
	}
}

func TestNativeArithmetic(t *testing.T) {
	tests := []struct {
		name string
		fn   *bytecode.Function
		args []slot
		want slot
	}{
		{"add wraps", binary("add", bytecode.OpI64Add), []slot{i64(math.MaxInt64), i64(1)}, i64(math.MinInt64)},
		{"mul", binary("mul", bytecode.OpI64Mul), []slot{i64(-7), i64(6)}, i64(-42)},
		{"div", binary("div", bytecode.OpI64DivS), []slot{i64(-7), i64(2)}, i64(-3)},
		{"rem", binary("rem", bytecode.OpI64RemS), []slot{i64(-7), i64(2)}, i64(-1)},
		{"min div -1", binary("div", bytecode.OpI64DivS), []slot{i64(math.MinInt64), i64(-1)}, i64(math.MinInt64)},
		{"min rem -1", binary("rem", bytecode.OpI64RemS), []slot{i64(math.MinInt64), i64(-1)}, i64(0)},
		{"i32 div -1", binary("div32", bytecode.OpI32DivS), []slot{i32(math.MinInt32), i32(-1)}, i32(math.MinInt32)},
		{"i32 sub", binary("sub32", bytecode.OpI32Sub), []slot{i32(1), i32(2)}, i32(-1)},
		{"and", binary("and", bytecode.OpI64And), []slot{i64(0b1100), i64(0b1010)}, i64(0b1000)},
		{"or", binary("or", bytecode.OpI64Or), []slot{i64(0b1100), i64(0b1010)}, i64(0b1110)},
		{"xor", binary("xor", bytecode.OpI64Xor), []slot{i64(-1), i64(0xff)}, i64(^0xff)},
		{"shl", binary("shl", bytecode.OpI64Shl), []slot{i64(3), i64(4)}, i64(48)},
		{"shl count masked", binary("shl", bytecode.OpI64Shl), []slot{i64(1), i64(65)}, i64(2)},
		{"shr_s", binary("shrs", bytecode.OpI64ShrS), []slot{i64(-16), i64(2)}, i64(-4)},
		{"shr_u", binary("shru", bytecode.OpI64ShrU), []slot{i64(-1), i64(60)}, i64(0xf)},
		{"lt", binary("lt", bytecode.OpI64LtS), []slot{i64(-1), i64(0)}, i32(1)},
		{"f64 div", binary("fdiv", bytecode.OpF64Div), []slot{f64(1), f64(4)}, f64(0.25)},
		{"f64 nan lt", binary("flt", bytecode.OpF64Lt), []slot{f64(math.NaN()), f64(1)}, i32(0)},
		{"f64 nan eq", binary("feq", bytecode.OpF64Eq), []slot{f64(math.NaN()), f64(math.NaN())}, i32(0)},
		{"f64 nan ne", binary("fne", bytecode.OpF64Ne), []slot{f64(math.NaN()), f64(math.NaN())}, i32(1)},
		{"f64 le", binary("fle", bytecode.OpF64Le), []slot{f64(2), f64(2)}, i32(1)},
		{"f64 gt", binary("fgt", bytecode.OpF64Gt), []slot{f64(2), f64(1)}, i32(1)},
		{"trunc nan", unary("trunc", bytecode.OpI64TruncF64S), []slot{f64(math.NaN())}, i64(math.MinInt64)},
		{"trunc big", unary("trunc32", bytecode.OpI32TruncF64S), []slot{f64(1e12)}, i32(math.MinInt32)},
		{"trunc", unary("trunc", bytecode.OpI64TruncF64S), []slot{f64(-2.9)}, i64(-2)},
		{"extend", unary("ext", bytecode.OpI64ExtendI32S), []slot{i32(-5)}, i64(-5)},
		{"wrap", unary("wrap", bytecode.OpI32WrapI64), []slot{i64(1<<32 + 7)}, i32(7)},
		{"convert", unary("cvt", bytecode.OpF64ConvertI64S), []slot{i64(-3)}, f64(-3)},
		{"neg zero", unary("neg", bytecode.OpF64Neg), []slot{f64(0)}, f64(math.Copysign(0, -1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, s := run(t, tt.fn, tt.args...)
			if _, ok := s.Returned(); !ok {
				t.Fatalf("status %v", s)
			}
			if got.Kind != tt.want.Kind || got.Bits != tt.want.Bits {
				t.Errorf("got {%#x kind %d}, want {%#x kind %d}", got.Bits, got.Kind, tt.want.Bits, tt.want.Kind)
			}
		})
	}
}

func TestNativeTraps(t *testing.T) {
	if _, s := run(t, binary("div", bytecode.OpI64DivS), i64(1), i64(0)); s != StatusDivByZero {
		t.Errorf("division by zero: %v", s)
	}
	if _, s := run(t, binary("add", bytecode.OpI64Add), f64(1), i64(0)); s != StatusTypeError {
		t.Errorf("type error: %v", s)
	}
	if _, s := run(t, binary("shl", bytecode.OpI64Shl), i64(1), i32(2)); s != StatusTypeError {
		t.Errorf("shift type error: %v", s)
	}
}

func TestNativeYieldAndResume(t *testing.T) {
	code := install(t, sumTo())
	poll := uint32(1)
	regs := make([]slot, code.Registers)
	regs[0] = i64(10)

	s, err := code.Call(unsafe.Pointer(&regs[0]), &poll, 0)
	if err != nil {
		t.Fatal(err)
	}
	off, ok := s.Yielded()
	if !ok {
		t.Fatalf("expected a yield, got %v", s)
	}
	if e, _, found := code.StackMaps.Lookup(uint32(off)); !found || e.PC != uint32(off) {
		t.Errorf("no stack map at resume offset %#x", off)
	}

	poll = 0
	s, err = code.Call(unsafe.Pointer(&regs[0]), &poll, off)
	if err != nil {
		t.Fatal(err)
	}
	reg, ok := s.Returned()
	if !ok || int64(regs[reg].Bits) != 55 {
		t.Errorf("status %v, result %+v", s, regs)
	}
}
