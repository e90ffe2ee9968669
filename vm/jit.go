package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/moca/config"
	"github.com/chazu/moca/pkg/bytecode"
	"github.com/chazu/moca/vm/ic"
	"github.com/chazu/moca/vm/jit"
	"github.com/chazu/moca/vm/microop"
)

// Tier is the execution tier a function runs in. Promotion only moves
// upward.
type Tier int32

const (
	// TierCold functions are interpreted.
	TierCold Tier = iota
	// TierWarm functions run as quickened micro-ops.
	TierWarm
	// TierHot functions run as native code.
	TierHot
)

var tierNames = [...]string{"cold", "warm", "hot"}

func (t Tier) String() string {
	if t >= 0 && int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("tier(%d)", int32(t))
}

// function is the runtime state of one bytecode function.
type function struct {
	index int
	fn    *bytecode.Function
	calls atomic.Int64
	tier  atomic.Int32
	ics   *ic.Table

	quick  atomic.Pointer[microop.ConvertedFunction]
	native atomic.Pointer[jit.Code]

	// mu serializes promotion.
	mu sync.Mutex

	// noNative is set once native compilation has been tried and failed.
	noNative bool
}

func newFunction(index int, fn *bytecode.Function) *function {
	return &function{index: index, fn: fn, ics: ic.NewTable()}
}

// Tier returns the function's current tier.
func (f *function) Tier() Tier { return Tier(f.tier.Load()) }

// JITStats counts tiering events.
type JITStats struct {
	Quickened       uint64 `yaml:"quickened"`
	Compiled        uint64 `yaml:"compiled"`
	CompileFailures uint64 `yaml:"compile-failures"`
	NativeCalls     uint64 `yaml:"native-calls"`
	NativeYields    uint64 `yaml:"native-yields"`
	NativeTraps     uint64 `yaml:"native-traps"`
	CodeBytes       uint64 `yaml:"code-bytes"`
}

type jitCounters struct {
	quickened       atomic.Uint64
	compiled        atomic.Uint64
	compileFailures atomic.Uint64
	nativeCalls     atomic.Uint64
	nativeYields    atomic.Uint64
	nativeTraps     atomic.Uint64
	codeBytes       atomic.Uint64
}

// JITStats returns the tiering counters.
func (vm *VM) JITStats() JITStats {
	c := &vm.jitStats
	return JITStats{
		Quickened:       c.quickened.Load(),
		Compiled:        c.compiled.Load(),
		CompileFailures: c.compileFailures.Load(),
		NativeCalls:     c.nativeCalls.Load(),
		NativeYields:    c.nativeYields.Load(),
		NativeTraps:     c.nativeTraps.Load(),
		CodeBytes:       c.codeBytes.Load(),
	}
}

// SetJITConfig changes the promotion threshold and tracing. It takes effect
// for subsequent calls.
func (vm *VM) SetJITConfig(threshold int, trace bool) {
	if threshold < 0 {
		threshold = 0
	}
	vm.jitLimit.Store(int64(threshold))
	vm.jitTrace.Store(trace)
}

// Tier reports the tier of function idx, or of main for MainIndex.
func (vm *VM) Tier(idx int) Tier {
	if idx == MainIndex {
		idx = len(vm.funcs) - 1
	}
	if idx < 0 || idx >= len(vm.funcs) {
		return TierCold
	}
	return vm.funcs[idx].Tier()
}

// nativeEnabled reports whether Warm functions may be compiled.
func (vm *VM) nativeEnabled() bool {
	switch vm.jitMode {
	case config.JITOn:
		return true
	case config.JITAuto:
		return jit.Supported
	}
	return false
}

// count records a call of f and promotes it once its count passes the
// threshold.
func (vm *VM) count(f *function) {
	n := f.calls.Add(1)
	if n <= vm.jitLimit.Load() || f.Tier() == TierHot {
		return
	}
	vm.promote(f)
}

// promote moves f to the quickened tier and, when native compilation is
// enabled and f qualifies, straight on to native code.
func (vm *VM) promote(f *function) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Tier() == TierCold {
		if f.fn.Arity > f.fn.LocalsCount {
			return
		}
		cf := microop.Convert(f.fn)
		f.quick.Store(cf)
		f.tier.Store(int32(TierWarm))
		vm.jitStats.quickened.Add(1)
		if vm.jitTrace.Load() {
			jitLog.Infof("quickened %s: %d micro-ops, %d registers", f.fn.Name, len(cf.Ops), cf.RegisterCount())
		}
	}

	if f.Tier() != TierWarm || f.noNative || !vm.nativeEnabled() {
		return
	}
	f.noNative = true
	cf := f.quick.Load()
	if err := jit.Eligible(cf); err != nil {
		if vm.jitTrace.Load() {
			jitLog.Infof("%s stays warm: %s", f.fn.Name, err)
		}
		return
	}
	code, err := vm.compiler.Compile(f.fn, cf)
	if err == nil {
		err = code.Install()
	}
	if err != nil {
		vm.jitStats.compileFailures.Add(1)
		vm.warnOnce.Do(func() {
			jitLog.Warningf("native compilation unavailable, functions stay quickened: %s", err)
		})
		return
	}
	f.native.Store(code)
	f.tier.Store(int32(TierHot))
	vm.jitStats.compiled.Add(1)
	vm.jitStats.codeBytes.Add(uint64(code.Size()))
	if vm.jitTrace.Load() {
		jitLog.Infof("compiled %s: %d bytes, %d safepoints", f.fn.Name, code.Size(), code.StackMaps.Len())
	}
}

// releaseNative unmaps the native code of funcs.
func (vm *VM) releaseNative(funcs []*function) {
	for _, f := range funcs {
		if code := f.native.Load(); code != nil {
			if err := code.Release(); err != nil {
				jitLog.Warningf("releasing %s: %s", f.fn.Name, err)
			}
		}
	}
}
