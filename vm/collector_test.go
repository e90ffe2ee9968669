package vm

import (
	"errors"
	"testing"

	"github.com/chazu/moca/config"
	"github.com/chazu/moca/pkg/bytecode"
)

// retainChunk allocates keep = [1, 2], then n garbage objects, and returns
// keep[1].
func retainChunk(n int64) *bytecode.Chunk {
	return mainChunk(2,
		bytecode.I64Const(1), // 0
		bytecode.I64Const(2),
		bytecode.HeapAlloc(2),
		bytecode.LocalSet(0),
		bytecode.I64Const(0),
		bytecode.LocalSet(1),
		bytecode.LocalGet(1), // 6: loop
		bytecode.I64Const(n),
		op(bytecode.OpI64LtS),
		bytecode.BrIfFalse(18),
		bytecode.LocalGet(0), // 10
		bytecode.HeapAlloc(1),
		op(bytecode.OpDrop),
		bytecode.LocalGet(1),
		bytecode.I64Const(1),
		op(bytecode.OpI64Add),
		bytecode.LocalSet(1),
		bytecode.Jmp(6),
		bytecode.LocalGet(0), // 18: exit
		bytecode.HeapLoad(1),
		op(bytecode.OpRet),
	)
}

func withGCMode(mode config.GCMode) func(*config.Config) {
	return func(c *config.Config) { c.GC.Mode = mode }
}

func withHeapLimit(n int64) func(*config.Config) {
	return func(c *config.Config) { c.GC.HeapLimit = n }
}

func TestCollectFreesGarbage(t *testing.T) {
	vm, _ := newTestVM(t)
	c := mainChunk(0,
		bytecode.I64Const(1),
		bytecode.HeapAlloc(1),
		bytecode.HeapAlloc(1),
		op(bytecode.OpDrop),
		bytecode.I64Const(0),
		op(bytecode.OpRet),
	)
	mustRun(t, vm, c)
	if got := vm.HeapStats().Objects; got != 2 {
		t.Fatalf("objects before collection = %d, want 2", got)
	}

	vm.GC()
	if got := vm.HeapStats().Objects; got != 0 {
		t.Errorf("objects after collection = %d, want 0", got)
	}
	if got := vm.HeapStats().Bytes; got != 0 {
		t.Errorf("bytes after collection = %d, want 0", got)
	}
	last := vm.LastGCCycle()
	if last == nil || last.Swept != 2 || last.Concurrent {
		t.Errorf("last cycle = %+v, want 2 swept stop-the-world", last)
	}
	if s := vm.GCStats(); s.Cycles != 1 || s.ObjectsSwept != 2 {
		t.Errorf("gc stats = %+v, want 1 cycle sweeping 2", s)
	}
}

func TestCollectKeepsResultAndLiterals(t *testing.T) {
	vm, _ := newTestVM(t)
	c := mainChunk(0, bytecode.StringConst(0), bytecode.HeapAlloc(1), op(bytecode.OpRet))
	c.AddString("kept")
	v := mustRun(t, vm, c)

	vm.GC()
	inner, err := vm.Heap().Load(v, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := vm.StringOf(inner); !ok || s != "kept" {
		t.Errorf("result slot = %q, want kept", s)
	}
}

func TestReachableDataSurvivesCollection(t *testing.T) {
	for _, mode := range []config.GCMode{config.GCStopTheWorld, config.GCConcurrent} {
		for _, m := range allModes[:2] {
			t.Run(string(mode)+"/"+m.name, func(t *testing.T) {
				m.opts = append(append([]func(*config.Config){}, m.opts...), withGCMode(mode))
				vm, v, err := m.run(t, retainChunk(20000))
				if err != nil {
					t.Fatal(err)
				}
				if !v.Same(I64(2)) {
					t.Errorf("keep[1] = %v, want 2", v)
				}
				if mode == config.GCStopTheWorld && vm.GCStats().Cycles == 0 {
					t.Error("allocating past the threshold did not collect")
				}
			})
		}
	}
}

func TestSnapshotBarrierKeepsOverwrittenReference(t *testing.T) {
	vm, _ := newTestVM(t)
	h := vm.Heap()
	b, err := h.Alloc(&Object{Kind: ObjSlots, Slots: []Value{I64(1)}})
	if err != nil {
		t.Fatal(err)
	}
	a, err := h.Alloc(&Object{Kind: ObjSlots, Slots: []Value{RefValue(b)}})
	if err != nil {
		t.Fatal(err)
	}

	h.BeginCycle()
	vm.gc.InitialMark([]GcRef{a})
	if err := h.Store(RefValue(a), 0, Null); err != nil {
		t.Fatal(err)
	}
	if _, satb := vm.gc.Pending(); satb != 1 {
		t.Fatalf("satb entries = %d, want 1", satb)
	}

	for vm.gc.MarkStep(h.Mark, markBatch) {
	}
	vm.gc.Remark(h.Mark)
	vm.collector.sweep()
	if h.Get(b) == nil {
		t.Fatal("object unlinked during marking was swept")
	}

	// Nothing is rooted now, so a full cycle frees both.
	vm.GC()
	if got := h.Stats().Objects; got != 0 {
		t.Errorf("objects = %d, want 0", got)
	}
}

func TestBarrierInactiveOutsideMarking(t *testing.T) {
	vm, _ := newTestVM(t)
	h := vm.Heap()
	b, _ := h.Alloc(&Object{Kind: ObjSlots, Slots: []Value{I64(1)}})
	a, _ := h.Alloc(&Object{Kind: ObjSlots, Slots: []Value{RefValue(b)}})
	if err := h.Store(RefValue(a), 0, Null); err != nil {
		t.Fatal(err)
	}
	if _, satb := vm.gc.Pending(); satb != 0 {
		t.Errorf("satb entries = %d, want 0", satb)
	}
}

func TestHeapLimit(t *testing.T) {
	t.Run("garbage is collected under the limit", func(t *testing.T) {
		vm, _ := newTestVM(t, withHeapLimit(64<<10))
		v := mustRun(t, vm, retainChunk(20000))
		if !v.Same(I64(2)) {
			t.Errorf("keep[1] = %v, want 2", v)
		}
		if vm.GCStats().Cycles == 0 {
			t.Error("no collection ran")
		}
	})

	t.Run("retained data exceeds the limit", func(t *testing.T) {
		vm, _ := newTestVM(t, withHeapLimit(64<<10))
		// list = [list] forever
		c := mainChunk(1,
			op(bytecode.OpRefNull),
			bytecode.LocalSet(0),
			bytecode.LocalGet(0), // 2
			bytecode.HeapAlloc(1),
			bytecode.LocalSet(0),
			bytecode.Jmp(2),
		)
		_, err := vm.Run(c)
		if !errors.Is(err, ErrHeapLimit) {
			t.Fatalf("err = %v, want heap limit", err)
		}
		var rt *RuntimeError
		if errors.As(err, &rt) && rt.PC != 3 {
			t.Errorf("pc = %d, want 3", rt.PC)
		}
	})

	t.Run("dynamic size beyond the limit", func(t *testing.T) {
		for _, code := range []bytecode.Opcode{bytecode.OpHeapAllocDyn, bytecode.OpHeapAllocDynSimple} {
			vm, _ := newTestVM(t, withHeapLimit(64<<10))
			c := mainChunk(0, bytecode.I64Const(1<<20), op(code), op(bytecode.OpRet))
			_, err := vm.Run(c)
			if !errors.Is(err, ErrHeapLimit) {
				t.Fatalf("%s: err = %v, want heap limit", code, err)
			}
			var rt *RuntimeError
			if errors.As(err, &rt) && rt.PC != 1 {
				t.Errorf("%s: pc = %d, want 1", code, rt.PC)
			}
			if n := vm.HeapStats().Objects; n != 0 {
				t.Errorf("%s: %d objects allocated", code, n)
			}
		}
	})

	t.Run("disabled collector", func(t *testing.T) {
		vm, _ := newTestVM(t, withHeapLimit(64<<10), func(c *config.Config) { c.GC.Enabled = false })
		_, err := vm.Run(retainChunk(20000))
		if !errors.Is(err, ErrHeapLimit) {
			t.Fatalf("err = %v, want heap limit", err)
		}
	})
}
