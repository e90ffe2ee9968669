package vm

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/moca/pkg/bytecode"
)

func TestThreadsAndChannels(t *testing.T) {
	tests := []struct {
		name  string
		chunk func() *bytecode.Chunk
		check func(t *testing.T, vm *VM, v Value, err error)
	}{
		{
			name: "spawn and join",
			chunk: func() *bytecode.Chunk {
				c := mainChunk(0, bytecode.ThreadSpawn(0), op(bytecode.OpThreadJoin), op(bytecode.OpRet))
				c.AddFunction(fnDef("answer", 0, 0, bytecode.I64Const(42), op(bytecode.OpRet)))
				return c
			},
			check: wantI64(42),
		},
		{
			name: "producer and consumer",
			chunk: func() *bytecode.Chunk {
				c := mainChunk(2,
					op(bytecode.OpChannelCreate), // 0
					bytecode.LocalSet(0),
					bytecode.ThreadSpawn(0),
					bytecode.LocalSet(1),
					bytecode.LocalGet(0), // 4
					op(bytecode.OpChannelRecv),
					bytecode.LocalGet(0),
					op(bytecode.OpChannelRecv),
					op(bytecode.OpI64Add),
					bytecode.LocalGet(0),
					op(bytecode.OpChannelRecv),
					op(bytecode.OpI64Add),
					bytecode.LocalGet(0), // 12: closed and drained
					op(bytecode.OpChannelRecv),
					op(bytecode.OpRefIsNull),
					op(bytecode.OpI64ExtendI32U),
					op(bytecode.OpI64Add),
					bytecode.LocalGet(1), // 17
					op(bytecode.OpThreadJoin),
					op(bytecode.OpDrop),
					op(bytecode.OpRet),
				)
				var code []bytecode.Op
				for _, n := range []int64{10, 20, 30} {
					code = append(code, bytecode.I64Const(1), bytecode.I64Const(n), op(bytecode.OpChannelSend))
				}
				code = append(code,
					bytecode.I64Const(1),
					op(bytecode.OpChannelClose),
					bytecode.I64Const(0),
					op(bytecode.OpRet),
				)
				c.AddFunction(fnDef("producer", 0, 0, code...))
				return c
			},
			check: wantI64(61),
		},
		{
			name: "send on closed channel is caught",
			chunk: func() *bytecode.Chunk {
				return mainChunk(1,
					op(bytecode.OpChannelCreate), // 0
					op(bytecode.OpDup),
					op(bytecode.OpChannelClose),
					bytecode.TryBegin(8),
					bytecode.I64Const(5),
					op(bytecode.OpChannelSend),
					bytecode.I64Const(0),
					op(bytecode.OpRet),
					bytecode.LocalSet(0), // 8: handler
					op(bytecode.OpDrop),
					bytecode.LocalGet(0),
					op(bytecode.OpRet),
				)
			},
			check: wantString("send on closed channel 1"),
		},
		{
			name: "double join raises",
			chunk: func() *bytecode.Chunk {
				c := mainChunk(1,
					bytecode.ThreadSpawn(0), // 0
					bytecode.LocalSet(0),
					bytecode.LocalGet(0),
					op(bytecode.OpThreadJoin),
					op(bytecode.OpDrop),
					bytecode.TryBegin(9),
					bytecode.LocalGet(0),
					op(bytecode.OpThreadJoin),
					op(bytecode.OpRet),
					op(bytecode.OpRet), // 9: handler
				)
				c.AddFunction(fnDef("answer", 0, 0, bytecode.I64Const(42), op(bytecode.OpRet)))
				return c
			},
			check: wantString("already joined"),
		},
		{
			name: "child failure raises on join",
			chunk: func() *bytecode.Chunk {
				c := mainChunk(1,
					bytecode.ThreadSpawn(0), // 0
					bytecode.LocalSet(0),
					bytecode.TryBegin(6),
					bytecode.LocalGet(0),
					op(bytecode.OpThreadJoin),
					op(bytecode.OpRet),
					op(bytecode.OpRet), // 6: handler
				)
				c.AddFunction(fnDef("fails", 0, 0,
					bytecode.I64Const(1),
					bytecode.I64Const(0),
					op(bytecode.OpI64DivS),
					op(bytecode.OpRet),
				))
				return c
			},
			check: wantString("division by zero"),
		},
		{
			name: "spawned function must take no arguments",
			chunk: func() *bytecode.Chunk {
				c := mainChunk(0, bytecode.ThreadSpawn(0), op(bytecode.OpRet))
				c.AddFunction(fnDef("unary", 1, 1, bytecode.LocalGet(0), op(bytecode.OpRet)))
				return c
			},
			check: func(t *testing.T, vm *VM, v Value, err error) {
				if !errors.Is(err, ErrTypeError) {
					t.Fatalf("err = %v, want type error", err)
				}
			},
		},
		{
			name: "unknown channel",
			chunk: func() *bytecode.Chunk {
				return mainChunk(0, bytecode.I64Const(9), op(bytecode.OpChannelRecv), op(bytecode.OpRet))
			},
			check: func(t *testing.T, vm *VM, v Value, err error) {
				var rt *RuntimeError
				if !errors.As(err, &rt) || rt.Kind != ErrUncaughtException {
					t.Fatalf("err = %v, want uncaught exception", err)
				}
				if rt.Detail != "unknown channel 9" {
					t.Errorf("detail = %q", rt.Detail)
				}
			},
		},
	}

	for _, m := range allModes[:2] {
		for _, tt := range tests {
			t.Run(m.name+"/"+tt.name, func(t *testing.T) {
				vm, v, err := m.run(t, tt.chunk())
				tt.check(t, vm, v, err)
			})
		}
	}
}

func TestChannelIDsStartAtOnePerVM(t *testing.T) {
	c := mainChunk(0,
		op(bytecode.OpChannelCreate),
		op(bytecode.OpChannelCreate),
		op(bytecode.OpI64Add),
		op(bytecode.OpRet),
	)
	for i := 0; i < 2; i++ {
		vm, _ := newTestVM(t)
		if v := mustRun(t, vm, c); !v.Same(I64(3)) {
			t.Errorf("vm %d: id sum = %v, want 3", i, v)
		}
	}
}

func TestThreadsShareHeap(t *testing.T) {
	// The child fills slot 0 of a shared object; main reads it after join.
	c := mainChunk(1,
		op(bytecode.OpRefNull), // 0
		bytecode.HeapAlloc(1),
		bytecode.LocalSet(0),
		op(bytecode.OpChannelCreate), // 3: channel 1 carries the object
		bytecode.LocalGet(0),
		op(bytecode.OpChannelSend),
		bytecode.ThreadSpawn(0),
		op(bytecode.OpThreadJoin),
		op(bytecode.OpDrop),
		bytecode.LocalGet(0),
		bytecode.HeapLoad(0),
		op(bytecode.OpRet),
	)
	c.AddFunction(fnDef("fill", 0, 0,
		bytecode.I64Const(1),
		op(bytecode.OpChannelRecv),
		bytecode.I64Const(7),
		bytecode.HeapStore(0),
		bytecode.I64Const(0),
		op(bytecode.OpRet),
	))
	vm, _ := newTestVM(t)
	if v := mustRun(t, vm, c); !v.Same(I64(7)) {
		t.Errorf("slot = %v, want 7", v)
	}
}

func wantI64(n int64) func(t *testing.T, vm *VM, v Value, err error) {
	return func(t *testing.T, vm *VM, v Value, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		if !v.Same(I64(n)) {
			t.Errorf("got %s %v, want i64 %d", v.Kind, v, n)
		}
	}
}

// wantString checks that the result is a string containing sub.
func wantString(sub string) func(t *testing.T, vm *VM, v Value, err error) {
	return func(t *testing.T, vm *VM, v Value, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		s, ok := vm.StringOf(v)
		if !ok {
			t.Fatalf("got %s %v, want a string", v.Kind, v)
		}
		if !strings.Contains(s, sub) {
			t.Errorf("got %q, want it to contain %q", s, sub)
		}
	}
}
