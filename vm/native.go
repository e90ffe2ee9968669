package vm

import (
	"unsafe"

	"github.com/chazu/moca/vm/jit"
)

// ---------------------------------------------------------------------------
// Native execution: the Hot tier
// ---------------------------------------------------------------------------

// runNative runs f's compiled code. Native code polls vm.poll at backward
// branches and yields; the thread parks at a safepoint and re-enters at the
// resume offset. A trap discards the native frame and replays the call in the
// quickened tier, which reports the error with its exact location. Compiled
// functions touch nothing but their registers, so the replay is unobservable.
func (t *thread) runNative(f *function, code *jit.Code, args []Value) (Value, error) {
	vm := t.vm
	regs := make([]Value, code.Registers)
	copy(regs, args)
	fr := &frame{fn: f, tier: TierHot, regs: regs, resume: -1}
	t.enter(fr)

	vm.jitStats.nativeCalls.Add(1)
	entry := 0
	for {
		status, err := code.Call(unsafe.Pointer(&regs[0]), &vm.poll, entry)
		if err != nil {
			t.leave()
			return Null, locate(faultf(ErrInternal, "%s", err), f.fn.Name, 0)
		}
		if reg, ok := status.Returned(); ok {
			t.leave()
			if reg >= len(regs) {
				return Null, locate(faultf(ErrInternal, "return register v%d out of range", reg), f.fn.Name, 0)
			}
			return regs[reg], nil
		}
		if off, ok := status.Yielded(); ok {
			vm.jitStats.nativeYields.Add(1)
			fr.resume = off
			t.safepoint()
			fr.resume = -1
			entry = off
			continue
		}

		vm.jitStats.nativeTraps.Add(1)
		t.leave()
		if vm.jitTrace.Load() {
			jitLog.Infof("%s: %s, replaying quickened", f.fn.Name, status)
		}
		return t.runQuickened(f, f.quick.Load(), args)
	}
}
