package gc

import (
	"sync"
	"testing"
)

// fakeHeap is an object graph with a mark bit per object.
type fakeHeap struct {
	fields map[Ref][]Ref
	marked map[Ref]bool
}

func newFakeHeap() *fakeHeap {
	return &fakeHeap{fields: make(map[Ref][]Ref), marked: make(map[Ref]bool)}
}

func (h *fakeHeap) mark(r Ref) []Ref {
	if h.marked[r] {
		return nil
	}
	h.marked[r] = true
	var out []Ref
	for _, c := range h.fields[r] {
		if c != 0 && !h.marked[c] {
			out = append(out, c)
		}
	}
	return out
}

func TestPhasesStartIdle(t *testing.T) {
	gc := NewConcurrentGC(true)
	if gc.Phase() != Idle || gc.IsMarking() {
		t.Errorf("phase = %v, marking = %v", gc.Phase(), gc.IsMarking())
	}
	if Remark.String() != "remark" {
		t.Errorf("String = %q", Remark.String())
	}
}

func TestInitialMarkFiltersNull(t *testing.T) {
	gc := NewConcurrentGC(true)
	queued := gc.InitialMark([]Ref{0, 3, 0, 7})
	if len(queued) != 2 {
		t.Errorf("queued %v", queued)
	}
	if !gc.IsMarking() || gc.Phase() != ConcurrentMark {
		t.Errorf("phase = %v, marking = %v", gc.Phase(), gc.IsMarking())
	}
}

func TestWriteBarrierOnlyWhileMarking(t *testing.T) {
	gc := NewConcurrentGC(true)
	gc.WriteBarrier(5)
	if _, satb := gc.Pending(); satb != 0 {
		t.Fatalf("barrier recorded %d entries while idle", satb)
	}

	gc.InitialMark(nil)
	gc.WriteBarrier(5)
	gc.WriteBarrier(0)
	gc.WriteBarrier(10)
	if _, satb := gc.Pending(); satb != 2 {
		t.Errorf("satb = %d, want 2", satb)
	}
}

func TestMarkStepBatches(t *testing.T) {
	gc := NewConcurrentGC(true)
	gc.MarkGray(1)
	gc.MarkGray(2)
	gc.MarkGray(3)

	var seen []Ref
	mark := func(r Ref) []Ref { seen = append(seen, r); return nil }
	if more := gc.MarkStep(mark, 2); !more || len(seen) != 2 {
		t.Errorf("first step: more = %v, seen %v", more, seen)
	}
	if more := gc.MarkStep(mark, 10); more || len(seen) != 3 {
		t.Errorf("second step: more = %v, seen %v", more, seen)
	}
	if gc.Stats().ObjectsMarked != 3 {
		t.Errorf("ObjectsMarked = %d", gc.Stats().ObjectsMarked)
	}
}

func TestFullCycle(t *testing.T) {
	gc := NewConcurrentGC(true)
	gc.InitialMark([]Ref{1})
	for gc.MarkStep(func(Ref) []Ref { return nil }, 10) {
	}
	gc.Remark(func(Ref) []Ref { return nil })
	if gc.Phase() != ConcurrentSweep || gc.IsMarking() {
		t.Fatalf("after remark: phase = %v, marking = %v", gc.Phase(), gc.IsMarking())
	}
	gc.StartSweep()
	gc.Complete(5)

	s := gc.Stats()
	if gc.Phase() != Idle || s.Cycles != 1 || s.ObjectsSwept != 5 {
		t.Errorf("phase = %v, stats = %+v", gc.Phase(), s)
	}
}

// An object reachable at the start of marking survives even when the only
// reference to it is overwritten before it is scanned.
func TestSnapshotSurvivesOverwrite(t *testing.T) {
	h := newFakeHeap()
	h.fields[1] = []Ref{2}
	h.fields[2] = []Ref{3}
	gc := NewConcurrentGC(true)

	root := Ref(1)
	gc.InitialMark([]Ref{root})

	// Mutator clears obj1.field0 before the collector reaches obj1.
	old := h.fields[1][0]
	gc.WriteBarrier(old)
	h.fields[1][0] = 0
	root = 0

	for gc.MarkStep(h.mark, 1) {
	}
	gc.Remark(h.mark)

	for _, r := range []Ref{1, 2, 3} {
		if !h.marked[r] {
			t.Errorf("object %d was not preserved", r)
		}
	}
	_ = root
}

func TestConcurrentBarrier(t *testing.T) {
	gc := NewConcurrentGC(true)
	gc.InitialMark(nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base Ref) {
			defer wg.Done()
			for i := Ref(1); i <= 100; i++ {
				gc.WriteBarrier(base + i)
			}
		}(Ref(g * 1000))
	}
	wg.Wait()

	if _, satb := gc.Pending(); satb != 800 {
		t.Errorf("satb = %d, want 800", satb)
	}
	marked := 0
	gc.Remark(func(Ref) []Ref { marked++; return nil })
	if marked != 800 {
		t.Errorf("remark marked %d", marked)
	}
}
