package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Collector: drives mark-sweep cycles over the heap
// ---------------------------------------------------------------------------

const (
	markBatch  = 256
	sweepBatch = 512
)

// CycleStats describes one completed collection.
type CycleStats struct {
	Concurrent bool
	Roots      int
	Swept      int
	Duration   time.Duration
	Timestamp  time.Time
}

// collector runs collection cycles. Collect runs a whole cycle with the
// world stopped. In concurrent mode a background goroutine also runs cycles
// on request, stopping the world only for the initial mark and the remark.
type collector struct {
	vm *VM

	// cycle serializes collections.
	cycle sync.Mutex

	mu       sync.Mutex // protects start/stop lifecycle
	stop     chan struct{}
	stopped  chan struct{}
	requests chan struct{}

	cycles    atomic.Uint64
	lastStats atomic.Value // *CycleStats
}

func newCollector(vm *VM) *collector {
	return &collector{vm: vm, requests: make(chan struct{}, 1)}
}

// Start begins the background goroutine. Calling Start on a running
// collector does nothing.
func (c *collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})

	stopCh := c.stop
	stoppedCh := c.stopped
	go c.loop(stopCh, stoppedCh)
}

// Stop halts the background goroutine and waits for a running cycle to
// finish. It is safe to call Stop on a collector that was never started.
func (c *collector) Stop() {
	c.mu.Lock()
	stopCh := c.stop
	stoppedCh := c.stopped
	c.stop = nil
	c.stopped = nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// Trigger asks the background goroutine for a cycle. Requests made while one
// is pending are merged.
func (c *collector) Trigger() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

// Cycles returns the number of completed collections.
func (c *collector) Cycles() uint64 { return c.cycles.Load() }

// LastStats returns the most recent cycle's figures, or nil.
func (c *collector) LastStats() *CycleStats {
	v := c.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*CycleStats)
}

func (c *collector) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)
	for {
		select {
		case <-stopCh:
			return
		case <-c.requests:
			if c.vm.gc.Enabled() {
				c.concurrentCycle()
			}
		}
	}
}

// Collect runs a full cycle with the world stopped throughout. The caller
// must not hold the world lock.
func (c *collector) Collect() {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	vm := c.vm
	start := time.Now()
	vm.stopWorld()
	vm.heap.BeginCycle()
	roots := vm.gc.InitialMark(vm.roots())
	for vm.gc.MarkStep(vm.heap.Mark, markBatch) {
	}
	vm.gc.Remark(vm.heap.Mark)
	swept := c.sweep()
	vm.startWorld()
	c.finish(&CycleStats{Roots: len(roots), Swept: swept, Duration: time.Since(start), Timestamp: start})
}

// concurrentCycle marks and sweeps while mutators run. The snapshot write
// barrier keeps every object reachable at the initial mark alive, and
// objects allocated during the cycle carry the new epoch, so they are
// never swept by it.
func (c *collector) concurrentCycle() {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	vm := c.vm
	start := time.Now()
	vm.stopWorld()
	vm.heap.BeginCycle()
	roots := vm.gc.InitialMark(vm.roots())
	vm.startWorld()

	for vm.gc.MarkStep(vm.heap.Mark, markBatch) {
	}

	vm.stopWorld()
	vm.gc.Remark(vm.heap.Mark)
	vm.startWorld()

	swept := c.sweep()
	c.finish(&CycleStats{Concurrent: true, Roots: len(roots), Swept: swept, Duration: time.Since(start), Timestamp: start})
}

// sweep frees every object left white, in batches.
func (c *collector) sweep() int {
	vm := c.vm
	vm.gc.StartSweep()
	total, next := 0, 1
	for {
		swept, n := vm.heap.SweepRange(next, sweepBatch)
		total += swept
		if n == 0 {
			break
		}
		next = n
	}
	vm.heap.FinishSweep()
	vm.gc.Complete(total)
	return total
}

func (c *collector) finish(stats *CycleStats) {
	c.cycles.Add(1)
	c.lastStats.Store(stats)
	if c.vm.cfg.GC.Stats {
		gcLog.Infof("cycle %d: %d roots, %d swept in %s (concurrent=%t)",
			c.cycles.Load(), stats.Roots, stats.Swept, stats.Duration, stats.Concurrent)
	} else {
		gcLog.Debugf("cycle %d: %d swept", c.cycles.Load(), stats.Swept)
	}
}

// roots collects every reference the mutators can reach without loading
// from the heap. The world must be stopped.
func (vm *VM) roots() []GcRef {
	var roots []GcRef
	add := func(v Value) { roots = append(roots, v.AsRef()) }

	vm.threadsMu.Lock()
	for t := range vm.live {
		t.scan(add)
	}
	vm.threadsMu.Unlock()

	vm.channels.each(func(_ int64, queued []Value) {
		for _, v := range queued {
			if v.IsRef() {
				add(v)
			}
		}
	})

	vm.strMu.Lock()
	for _, r := range vm.strings {
		if r != 0 {
			roots = append(roots, r)
		}
	}
	for _, r := range vm.typeNames {
		roots = append(roots, r)
	}
	if vm.lastResult.IsRef() {
		add(vm.lastResult)
	}
	vm.strMu.Unlock()
	return roots
}
