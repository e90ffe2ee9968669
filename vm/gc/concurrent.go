// Package gc holds the bookkeeping of the VM's incremental mark-sweep
// collector: phase tracking, the gray worklist, the snapshot-at-the-beginning
// write barrier buffer and timing statistics.
//
// The collector does not know the heap layout. The VM supplies a mark
// function that marks one object and returns its children that were not
// already marked, and performs the sweep itself.
package gc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Ref identifies a heap object. Zero is the null reference.
type Ref uint32

// Phase is a collector state.
type Phase int32

const (
	Idle Phase = iota
	InitialMark
	ConcurrentMark
	Remark
	ConcurrentSweep
)

var phaseNames = [...]string{"idle", "initial-mark", "concurrent-mark", "remark", "concurrent-sweep"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// MarkFunc marks r and returns the children that still need scanning.
type MarkFunc func(r Ref) []Ref

// Stats are cumulative over the life of a collector.
type Stats struct {
	Cycles               uint64 `yaml:"cycles"`
	InitialMarkMicros    uint64 `yaml:"initial_mark_us"`
	ConcurrentMarkMicros uint64 `yaml:"concurrent_mark_us"`
	RemarkMicros         uint64 `yaml:"remark_us"`
	SweepMicros          uint64 `yaml:"sweep_us"`
	MaxPauseMicros       uint64 `yaml:"max_pause_us"`
	ObjectsMarked        uint64 `yaml:"objects_marked"`
	ObjectsSwept         uint64 `yaml:"objects_swept"`
}

func (s Stats) String() string {
	return fmt.Sprintf("gc: %d cycles, %d marked, %d swept, pauses %dus initial + %dus remark (max %dus), %dus concurrent mark, %dus sweep",
		s.Cycles, s.ObjectsMarked, s.ObjectsSwept, s.InitialMarkMicros, s.RemarkMicros, s.MaxPauseMicros,
		s.ConcurrentMarkMicros, s.SweepMicros)
}

// ConcurrentGC tracks one collector. Phase transitions are driven by a
// single collector goroutine; WriteBarrier and IsMarking may be called from
// any mutator.
type ConcurrentGC struct {
	phase   atomic.Int32
	marking atomic.Bool
	enabled atomic.Bool

	grayMu sync.Mutex
	gray   []Ref

	satbMu sync.Mutex
	satb   []Ref

	statsMu    sync.Mutex
	stats      Stats
	sweepStart time.Time
}

// NewConcurrentGC returns an idle collector.
func NewConcurrentGC(enabled bool) *ConcurrentGC {
	gc := &ConcurrentGC{}
	gc.enabled.Store(enabled)
	return gc
}

// Enabled reports whether collection is enabled.
func (gc *ConcurrentGC) Enabled() bool { return gc.enabled.Load() }

// SetEnabled turns collection on or off. A cycle in progress still runs to
// Idle.
func (gc *ConcurrentGC) SetEnabled(enabled bool) { gc.enabled.Store(enabled) }

// Phase returns the current phase.
func (gc *ConcurrentGC) Phase() Phase { return Phase(gc.phase.Load()) }

func (gc *ConcurrentGC) setPhase(p Phase) { gc.phase.Store(int32(p)) }

// IsMarking reports whether the write barrier is active.
func (gc *ConcurrentGC) IsMarking() bool { return gc.marking.Load() }

// Stats returns a snapshot of the statistics.
func (gc *ConcurrentGC) Stats() Stats {
	gc.statsMu.Lock()
	defer gc.statsMu.Unlock()
	return gc.stats
}

// ResetStats clears the statistics.
func (gc *ConcurrentGC) ResetStats() {
	gc.statsMu.Lock()
	gc.stats = Stats{}
	gc.statsMu.Unlock()
}

// WriteBarrier records the reference about to be overwritten so that the
// object it names survives the current cycle. It does nothing unless marking.
func (gc *ConcurrentGC) WriteBarrier(old Ref) {
	if old == 0 || !gc.marking.Load() {
		return
	}
	gc.satbMu.Lock()
	gc.satb = append(gc.satb, old)
	gc.satbMu.Unlock()
}

// MarkGray queues r for scanning.
func (gc *ConcurrentGC) MarkGray(r Ref) {
	if r == 0 {
		return
	}
	gc.grayMu.Lock()
	gc.gray = append(gc.gray, r)
	gc.grayMu.Unlock()
}

// InitialMark starts a cycle: it enables the write barrier and queues the
// non-null roots. It returns the queued roots and leaves the collector in
// ConcurrentMark. The caller must have stopped the world.
func (gc *ConcurrentGC) InitialMark(roots []Ref) []Ref {
	start := time.Now()
	gc.setPhase(InitialMark)
	gc.marking.Store(true)

	queued := make([]Ref, 0, len(roots))
	for _, r := range roots {
		if r != 0 {
			queued = append(queued, r)
		}
	}
	gc.grayMu.Lock()
	gc.gray = append(gc.gray, queued...)
	gc.grayMu.Unlock()

	gc.recordPause(&gc.stats.InitialMarkMicros, time.Since(start))
	gc.setPhase(ConcurrentMark)
	return queued
}

// MarkStep scans up to batch gray objects and reports whether gray objects
// remain.
func (gc *ConcurrentGC) MarkStep(mark MarkFunc, batch int) bool {
	start := time.Now()
	processed := 0
	for processed < batch {
		r, ok := gc.popGray()
		if !ok {
			break
		}
		children := mark(r)
		if len(children) > 0 {
			gc.grayMu.Lock()
			gc.gray = append(gc.gray, children...)
			gc.grayMu.Unlock()
		}
		processed++
	}

	gc.statsMu.Lock()
	gc.stats.ObjectsMarked += uint64(processed)
	gc.stats.ConcurrentMarkMicros += uint64(time.Since(start).Microseconds())
	gc.statsMu.Unlock()

	gc.grayMu.Lock()
	defer gc.grayMu.Unlock()
	return len(gc.gray) > 0
}

func (gc *ConcurrentGC) popGray() (Ref, bool) {
	gc.grayMu.Lock()
	defer gc.grayMu.Unlock()
	n := len(gc.gray)
	if n == 0 {
		return 0, false
	}
	r := gc.gray[n-1]
	gc.gray = gc.gray[:n-1]
	return r, true
}

// Remark drains the SATB buffer and finishes marking, then disables the
// write barrier. The caller must have stopped the world.
func (gc *ConcurrentGC) Remark(mark MarkFunc) {
	start := time.Now()
	gc.setPhase(Remark)

	gc.satbMu.Lock()
	entries := gc.satb
	gc.satb = nil
	gc.satbMu.Unlock()

	gc.grayMu.Lock()
	gc.gray = append(gc.gray, entries...)
	gc.grayMu.Unlock()
	for gc.MarkStep(mark, 1000) {
	}

	gc.marking.Store(false)
	gc.recordPause(&gc.stats.RemarkMicros, time.Since(start))
	gc.setPhase(ConcurrentSweep)
}

// StartSweep marks the beginning of the sweep for timing.
func (gc *ConcurrentGC) StartSweep() {
	gc.statsMu.Lock()
	gc.sweepStart = time.Now()
	gc.statsMu.Unlock()
	gc.setPhase(ConcurrentSweep)
}

// Complete ends the cycle.
func (gc *ConcurrentGC) Complete(swept int) {
	gc.statsMu.Lock()
	if !gc.sweepStart.IsZero() {
		gc.stats.SweepMicros += uint64(time.Since(gc.sweepStart).Microseconds())
		gc.sweepStart = time.Time{}
	}
	gc.stats.ObjectsSwept += uint64(swept)
	gc.stats.Cycles++
	gc.statsMu.Unlock()
	gc.setPhase(Idle)
}

func (gc *ConcurrentGC) recordPause(total *uint64, d time.Duration) {
	us := uint64(d.Microseconds())
	gc.statsMu.Lock()
	*total += us
	if us > gc.stats.MaxPauseMicros {
		gc.stats.MaxPauseMicros = us
	}
	gc.statsMu.Unlock()
}

// Pending returns the number of gray objects and buffered SATB entries.
func (gc *ConcurrentGC) Pending() (gray, satb int) {
	gc.grayMu.Lock()
	gray = len(gc.gray)
	gc.grayMu.Unlock()
	gc.satbMu.Lock()
	satb = len(gc.satb)
	gc.satbMu.Unlock()
	return gray, satb
}
