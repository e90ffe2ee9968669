package vm

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/chazu/moca/config"
	"github.com/chazu/moca/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func op(c bytecode.Opcode) bytecode.Op { return bytecode.Simple(c) }

func fnDef(name string, arity, locals int, code ...bytecode.Op) *bytecode.Function {
	return &bytecode.Function{Name: name, Arity: arity, LocalsCount: locals, Code: code}
}

func mainChunk(locals int, code ...bytecode.Op) *bytecode.Chunk {
	return bytecode.NewChunk(fnDef("main", 0, locals, code...))
}

// newTestVM returns a VM writing to a buffer. Options edit the default
// configuration.
func newTestVM(t *testing.T, opts ...func(*config.Config)) (*VM, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	for _, o := range opts {
		o(&cfg)
	}
	vm, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var out bytes.Buffer
	vm.Stdout = &out
	vm.Stderr = &out
	t.Cleanup(func() { vm.Close() })
	return vm, &out
}

func withThreshold(n int) func(*config.Config) {
	return func(c *config.Config) { c.JIT.Threshold = n }
}

func withJIT(mode config.JITMode) func(*config.Config) {
	return func(c *config.Config) { c.JIT.Mode = mode }
}

// execMode is one way of running a chunk.
type execMode struct {
	name   string
	tiered bool
	opts   []func(*config.Config)
}

// allModes runs a chunk interpreted, quickened from the first call, and
// with native compilation enabled from the first call.
var allModes = []execMode{
	{name: "interpreted"},
	{name: "quickened", tiered: true, opts: []func(*config.Config){withThreshold(0), withJIT(config.JITOff)}},
	{name: "native", tiered: true, opts: []func(*config.Config){withThreshold(0), withJIT(config.JITAuto)}},
}

func (m execMode) run(t *testing.T, c *bytecode.Chunk) (*VM, Value, error) {
	t.Helper()
	vm, _ := newTestVM(t, m.opts...)
	var v Value
	var err error
	if m.tiered {
		v, err = vm.RunWithQuickening(c)
	} else {
		v, err = vm.Run(c)
	}
	return vm, v, err
}

func mustRun(t *testing.T, vm *VM, c *bytecode.Chunk) Value {
	t.Helper()
	v, err := vm.Run(c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunReturnsMainResult(t *testing.T) {
	c := mainChunk(0,
		bytecode.I64Const(40),
		bytecode.I64Const(2),
		op(bytecode.OpI64Add),
		op(bytecode.OpRet),
	)
	for _, m := range allModes {
		t.Run(m.name, func(t *testing.T) {
			_, v, err := m.run(t, c)
			if err != nil {
				t.Fatal(err)
			}
			if v.Kind != KindI64 || v.AsI64() != 42 {
				t.Errorf("got %s %v, want i64 42", v.Kind, v)
			}
		})
	}
}

func TestRunRejectsUnverifiableChunk(t *testing.T) {
	vm, _ := newTestVM(t)
	_, err := vm.Run(mainChunk(0, op(bytecode.OpI64Add), op(bytecode.OpRet)))
	if err == nil || !strings.Contains(err.Error(), "verification failed") {
		t.Fatalf("err = %v, want verification failure", err)
	}
}

func TestArithmeticSemantics(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name string
		code []bytecode.Op
		want Value
	}{
		{"i32 add wraps", []bytecode.Op{bytecode.I32Const(math.MaxInt32), bytecode.I32Const(1), op(bytecode.OpI32Add)}, I32(math.MinInt32)},
		{"i32 mul wraps", []bytecode.Op{bytecode.I32Const(1 << 30), bytecode.I32Const(4), op(bytecode.OpI32Mul)}, I32(0)},
		{"i32 min div -1", []bytecode.Op{bytecode.I32Const(math.MinInt32), bytecode.I32Const(-1), op(bytecode.OpI32DivS)}, I32(math.MinInt32)},
		{"i32 min rem -1", []bytecode.Op{bytecode.I32Const(math.MinInt32), bytecode.I32Const(-1), op(bytecode.OpI32RemS)}, I32(0)},
		{"i32 div truncates", []bytecode.Op{bytecode.I32Const(-7), bytecode.I32Const(2), op(bytecode.OpI32DivS)}, I32(-3)},
		{"i32 rem sign", []bytecode.Op{bytecode.I32Const(-7), bytecode.I32Const(2), op(bytecode.OpI32RemS)}, I32(-1)},
		{"i64 min div -1", []bytecode.Op{bytecode.I64Const(math.MinInt64), bytecode.I64Const(-1), op(bytecode.OpI64DivS)}, I64(math.MinInt64)},
		{"i64 neg min", []bytecode.Op{bytecode.I64Const(math.MinInt64), op(bytecode.OpI64Neg)}, I64(math.MinInt64)},
		{"i32 eqz", []bytecode.Op{bytecode.I32Const(0), op(bytecode.OpI32Eqz)}, I32(1)},
		{"i64 lt", []bytecode.Op{bytecode.I64Const(-1), bytecode.I64Const(1), op(bytecode.OpI64LtS)}, I32(1)},
		{"f64 nan eq", []bytecode.Op{bytecode.F64Const(nan), bytecode.F64Const(nan), op(bytecode.OpF64Eq)}, I32(0)},
		{"f64 nan ne", []bytecode.Op{bytecode.F64Const(nan), bytecode.F64Const(nan), op(bytecode.OpF64Ne)}, I32(1)},
		{"f64 nan lt", []bytecode.Op{bytecode.F64Const(nan), bytecode.F64Const(1), op(bytecode.OpF64Lt)}, I32(0)},
		{"f64 div zero", []bytecode.Op{bytecode.F64Const(1), bytecode.F64Const(0), op(bytecode.OpF64Div)}, F64(math.Inf(1))},
		{"f64 neg zero", []bytecode.Op{bytecode.F64Const(0), op(bytecode.OpF64Neg)}, F64(math.Copysign(0, -1))},
		{"f32 add", []bytecode.Op{bytecode.F32Const(1.5), bytecode.F32Const(2.25), op(bytecode.OpF32Add)}, F32(3.75)},
		{"trunc nan i64", []bytecode.Op{bytecode.F64Const(nan), op(bytecode.OpI64TruncF64S)}, I64(math.MinInt64)},
		{"trunc big i32", []bytecode.Op{bytecode.F64Const(1e300), op(bytecode.OpI32TruncF64S)}, I32(math.MinInt32)},
		{"trunc neg edge i32", []bytecode.Op{bytecode.F64Const(-2147483648.5), op(bytecode.OpI32TruncF64S)}, I32(math.MinInt32)},
		{"trunc toward zero", []bytecode.Op{bytecode.F64Const(-3.9), op(bytecode.OpI64TruncF64S)}, I64(-3)},
		{"extend unsigned", []bytecode.Op{bytecode.I32Const(-1), op(bytecode.OpI64ExtendI32U)}, I64(4294967295)},
		{"extend signed", []bytecode.Op{bytecode.I32Const(-1), op(bytecode.OpI64ExtendI32S)}, I64(-1)},
		{"wrap", []bytecode.Op{bytecode.I64Const(1<<32 + 5), op(bytecode.OpI32WrapI64)}, I32(5)},
		{"convert i64 f64", []bytecode.Op{bytecode.I64Const(-3), op(bytecode.OpF64ConvertI64S)}, F64(-3)},
		{"promote", []bytecode.Op{bytecode.F32Const(0.5), op(bytecode.OpF64PromoteF32)}, F64(0.5)},
		{"null is null", []bytecode.Op{op(bytecode.OpRefNull), op(bytecode.OpRefIsNull)}, I32(1)},
		{"int is not null", []bytecode.Op{bytecode.I64Const(0), op(bytecode.OpRefIsNull)}, I32(0)},
		{"ref eq", []bytecode.Op{op(bytecode.OpRefNull), op(bytecode.OpRefNull), op(bytecode.OpRefEq)}, I32(1)},
	}

	for _, m := range allModes {
		for _, tt := range tests {
			t.Run(m.name+"/"+tt.name, func(t *testing.T) {
				code := append(append([]bytecode.Op{}, tt.code...), op(bytecode.OpRet))
				_, v, err := m.run(t, mainChunk(0, code...))
				if err != nil {
					t.Fatal(err)
				}
				if !v.Same(tt.want) {
					t.Errorf("got %s %v (%#x), want %s %v (%#x)", v.Kind, v, v.Bits, tt.want.Kind, tt.want, tt.want.Bits)
				}
			})
		}
	}
}

func TestRuntimeErrors(t *testing.T) {
	tests := []struct {
		name  string
		chunk func() *bytecode.Chunk
		kind  error
		fn    string
		pc    int
	}{
		{
			name: "division by zero",
			chunk: func() *bytecode.Chunk {
				return mainChunk(0, bytecode.I32Const(1), bytecode.I32Const(0), op(bytecode.OpI32DivS), op(bytecode.OpRet))
			},
			kind: ErrDivisionByZero, fn: "main", pc: 2,
		},
		{
			name: "i64 remainder by zero",
			chunk: func() *bytecode.Chunk {
				return mainChunk(0, bytecode.I64Const(1), bytecode.I64Const(0), op(bytecode.OpI64RemS), op(bytecode.OpRet))
			},
			kind: ErrDivisionByZero, fn: "main", pc: 2,
		},
		{
			name: "undefined function",
			chunk: func() *bytecode.Chunk {
				return mainChunk(0, bytecode.Call(7, 0), op(bytecode.OpRet))
			},
			kind: ErrUndefinedFunction, fn: "main", pc: 0,
		},
		{
			name: "undefined variable",
			chunk: func() *bytecode.Chunk {
				return mainChunk(1, bytecode.LocalGet(3), op(bytecode.OpRet))
			},
			kind: ErrUndefinedVariable, fn: "main", pc: 0,
		},
		{
			name: "undefined host function",
			chunk: func() *bytecode.Chunk {
				return mainChunk(0, bytecode.Syscall(99, 0), op(bytecode.OpRet))
			},
			kind: ErrUndefinedHost, fn: "main", pc: 0,
		},
		{
			name: "operand type mismatch",
			chunk: func() *bytecode.Chunk {
				return mainChunk(0, bytecode.I32Const(1), bytecode.I64Const(1), op(bytecode.OpI32Add), op(bytecode.OpRet))
			},
			kind: ErrTypeError, fn: "main", pc: 2,
		},
		{
			name: "load from null",
			chunk: func() *bytecode.Chunk {
				return mainChunk(0, op(bytecode.OpRefNull), bytecode.HeapLoad(0), op(bytecode.OpRet))
			},
			kind: ErrTypeError, fn: "main", pc: 1,
		},
		{
			name: "error in callee",
			chunk: func() *bytecode.Chunk {
				c := mainChunk(0, bytecode.I64Const(5), bytecode.I64Const(0), bytecode.Call(0, 2), op(bytecode.OpRet))
				c.AddFunction(fnDef("div", 2, 2,
					bytecode.LocalGet(0), bytecode.LocalGet(1), op(bytecode.OpI64DivS), op(bytecode.OpRet)))
				return c
			},
			kind: ErrDivisionByZero, fn: "div", pc: 2,
		},
	}

	for _, m := range allModes {
		for _, tt := range tests {
			t.Run(m.name+"/"+tt.name, func(t *testing.T) {
				_, _, err := m.run(t, tt.chunk())
				if !errors.Is(err, tt.kind) {
					t.Fatalf("err = %v, want %v", err, tt.kind)
				}
				var rt *RuntimeError
				if !errors.As(err, &rt) {
					t.Fatalf("err = %T, want *RuntimeError", err)
				}
				if rt.Function != tt.fn || rt.PC != tt.pc {
					t.Errorf("located at %s:%d, want %s:%d", rt.Function, rt.PC, tt.fn, tt.pc)
				}
			})
		}
	}
}

func TestStackOverflow(t *testing.T) {
	c := mainChunk(0, bytecode.Call(0, 0), op(bytecode.OpRet))
	c.AddFunction(fnDef("forever", 0, 0, bytecode.Call(0, 0), op(bytecode.OpRet)))

	for _, m := range allModes[:2] {
		t.Run(m.name, func(t *testing.T) {
			_, _, err := m.run(t, c)
			if !errors.Is(err, ErrStackOverflow) {
				t.Fatalf("err = %v, want stack overflow", err)
			}
		})
	}
}

func TestDeepRecursionBelowLimit(t *testing.T) {
	// depth(n) = n == 0 ? 0 : 1 + depth(n - 1)
	depth := fnDef("depth", 1, 1,
		bytecode.LocalGet(0), // 0
		bytecode.I64Const(0),
		op(bytecode.OpI64Eq),
		bytecode.BrIfFalse(6),
		bytecode.I64Const(0), // 4
		op(bytecode.OpRet),
		bytecode.I64Const(1), // 6
		bytecode.LocalGet(0),
		bytecode.I64Const(1),
		op(bytecode.OpI64Sub),
		bytecode.Call(0, 1),
		op(bytecode.OpI64Add),
		op(bytecode.OpRet),
	)
	c := mainChunk(0, bytecode.I64Const(5000), bytecode.Call(0, 1), op(bytecode.OpRet))
	c.AddFunction(depth)

	vm, _ := newTestVM(t)
	if v := mustRun(t, vm, c); v.AsI64() != 5000 {
		t.Errorf("depth = %v, want 5000", v)
	}
}

func TestArityMismatchIsTypeError(t *testing.T) {
	c := mainChunk(0, bytecode.I64Const(1), bytecode.Call(0, 1), op(bytecode.OpRet))
	c.AddFunction(fnDef("pair", 2, 2, bytecode.LocalGet(0), op(bytecode.OpRet)))

	vm, _ := newTestVM(t)
	_, err := vm.Run(c)
	if !errors.Is(err, ErrTypeError) {
		t.Fatalf("err = %v, want type error", err)
	}
}

func TestCallFunctionNotImplemented(t *testing.T) {
	vm, _ := newTestVM(t)
	if _, err := vm.CallFunction("main"); !errors.Is(err, ErrCallNotImplemented) {
		t.Fatalf("err = %v, want ErrCallNotImplemented", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.JIT.Mode = "sometimes"
	if _, err := New(cfg); err == nil {
		t.Fatal("New accepted an invalid jit mode")
	}
}
