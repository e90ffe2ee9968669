package vm

import (
	"sync/atomic"

	"github.com/chazu/moca/config"
	"github.com/chazu/moca/pkg/stackmap"
)

// frame is one activation. Which fields are live depends on the tier that
// runs it: the interpreter uses locals and stack, the quickened tier uses
// regs (whose first slots alias locals) and stack, and native code uses regs
// only.
type frame struct {
	fn   *function
	tier Tier

	// pc is a bytecode PC in interpreted frames and a micro-op index in
	// quickened ones.
	pc       int
	locals   []Value
	stack    []Value
	regs     []Value
	handlers []handler
	result   Value

	// resume is the native offset a yielded native frame continues at, or -1.
	resume int
}

// handler is an installed TryBegin: where to continue and the operand-stack
// height to restore.
type handler struct {
	target int
	height int
}

func (fr *frame) push(v Value) { fr.stack = append(fr.stack, v) }

func (fr *frame) pop() Value {
	n := len(fr.stack)
	if n == 0 {
		return Null
	}
	v := fr.stack[n-1]
	fr.stack = fr.stack[:n-1]
	return v
}

func (fr *frame) peek() Value {
	if n := len(fr.stack); n > 0 {
		return fr.stack[n-1]
	}
	return Null
}

// popN removes the top n values and returns a copy of them, bottom first.
func (fr *frame) popN(n int) []Value {
	if n > len(fr.stack) {
		n = len(fr.stack)
	}
	out := make([]Value, n)
	copy(out, fr.stack[len(fr.stack)-n:])
	fr.stack = fr.stack[:len(fr.stack)-n]
	return out
}

// scan reports every slot of fr that may hold a reference. Interpreted
// frames parked at a safepoint use the function's stack map; native frames
// parked at a yield use the compiled code's map. Slots the maps cannot
// describe are classified by tag.
func (fr *frame) scan(add func(Value)) {
	switch fr.tier {
	case TierCold:
		if e, ok := fr.fn.fn.StackMap.Get(uint32(fr.pc)); ok {
			scanSlots(fr.locals, e.LocalRefs, true, add)
			scanSlots(fr.stack, e.StackRefs, true, add)
			return
		}
		scanSlots(fr.locals, 0, false, add)
		scanSlots(fr.stack, 0, false, add)
	case TierHot:
		if code := fr.fn.native.Load(); code != nil && fr.resume >= 0 {
			if e, _, ok := code.StackMaps.Lookup(uint32(fr.resume)); ok {
				scanSlots(fr.regs, e.LocalRefs, true, add)
				return
			}
		}
		scanSlots(fr.regs, 0, false, add)
	default:
		scanSlots(fr.regs, 0, false, add)
		scanSlots(fr.stack, 0, false, add)
	}
}

func scanSlots(slots []Value, refs stackmap.RefBitset, exact bool, add func(Value)) {
	for i, v := range slots {
		if exact && i < stackmap.MaxSlots && !refs.IsSet(i) {
			continue
		}
		if v.IsRef() {
			add(v)
		}
	}
}

// thread is the execution state of one bytecode thread. Its frames are only
// touched by the goroutine running it, or by the collector while the world
// is stopped.
type thread struct {
	vm     *VM
	frames []*frame

	// inFlight is the value of an exception unwinding toward a handler.
	inFlight Value
	result   Value
}

func (vm *VM) newThread() *thread {
	t := &thread{vm: vm}
	vm.threadsMu.Lock()
	vm.live[t] = struct{}{}
	vm.threadsMu.Unlock()
	return t
}

func (vm *VM) dropThread(t *thread) {
	vm.threadsMu.Lock()
	delete(vm.live, t)
	vm.threadsMu.Unlock()
}

func (t *thread) enter(fr *frame) { t.frames = append(t.frames, fr) }

func (t *thread) leave() {
	t.frames[len(t.frames)-1] = nil
	t.frames = t.frames[:len(t.frames)-1]
}

func (t *thread) scan(add func(Value)) {
	for _, fr := range t.frames {
		fr.scan(add)
	}
	if t.inFlight.IsRef() {
		add(t.inFlight)
	}
	if t.result.IsRef() {
		add(t.result)
	}
}

// safepoint parks the thread if the collector has asked to stop the world.
func (t *thread) safepoint() {
	if atomic.LoadUint32(&t.vm.poll) != 0 {
		t.vm.world.RUnlock()
		t.vm.world.RLock()
	}
}

// blocking runs fn with the world lock released. fn must not touch the
// thread's frames.
func (t *thread) blocking(fn func()) {
	t.vm.world.RUnlock()
	defer t.vm.world.RLock()
	fn()
}

// gcPoint runs before an allocation of roughly size bytes, while the
// allocation's operands are still on the stack. It collects when the
// allocation would break the heap limit or cross the collection threshold,
// then parks at the safepoint.
func (t *thread) gcPoint(size int64) {
	vm := t.vm
	if vm.gc.Enabled() {
		switch {
		case vm.heap.WouldExceed(size):
			t.blocking(vm.collector.Collect)
		case vm.heap.ShouldCollect(size):
			if vm.cfg.GC.Mode == config.GCConcurrent {
				vm.collector.Trigger()
			} else {
				t.blocking(vm.collector.Collect)
			}
		}
	}
	t.safepoint()
}

// call runs f with args on this thread, in whatever tier f has reached.
func (t *thread) call(f *function, args []Value) (Value, error) {
	if len(args) != f.fn.Arity {
		return Null, typeErrorf("%s expects %d arguments, got %d", f.fn.Name, f.fn.Arity, len(args))
	}
	if len(t.frames) >= MaxCallDepth {
		return Null, faultf(ErrStackOverflow, "call depth exceeds %d", MaxCallDepth)
	}

	vm := t.vm
	if !vm.tiering {
		f.calls.Add(1)
		return t.interpret(f, args)
	}
	vm.count(f)
	switch f.Tier() {
	case TierHot:
		return t.runNative(f, f.native.Load(), args)
	case TierWarm:
		return t.runQuickened(f, f.quick.Load(), args)
	}
	return t.interpret(f, args)
}

// newLocals returns a locals array holding args.
func newLocals(n int, args []Value) []Value {
	locals := make([]Value, n)
	copy(locals, args)
	return locals
}
