package vm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/moca/config"
	"github.com/chazu/moca/pkg/bytecode"
	"github.com/chazu/moca/vm/gc"
	"github.com/chazu/moca/vm/jit"
	"github.com/chazu/moca/vm/threads"
	"github.com/chazu/moca/vm/verifier"
)

// MaxCallDepth is the deepest call nesting a thread may reach.
const MaxCallDepth = 10000

// MainIndex addresses the main function in Tier.
const MainIndex = -1

// VM executes verified chunks. A VM runs one chunk at a time; spawned
// threads share its heap, channels and function state.
type VM struct {
	ID uuid.UUID

	// Stdout receives Print output and host writes to fd 1. Stderr receives
	// host writes to fd 2.
	Stdout io.Writer
	Stderr io.Writer

	cfg       config.Config
	heap      *Heap
	gc        *gc.ConcurrentGC
	collector *collector

	// world is held shared by every running thread and exclusively by the
	// collector while it inspects roots. poll asks threads to release it at
	// their next safepoint.
	world sync.RWMutex
	poll  uint32

	chunk *bytecode.Chunk
	funcs []*function
	args  []string
	// stale holds functions of earlier chunks whose native code could not be
	// released because threads were still running.
	stale []*function

	strMu     sync.Mutex
	strings   []GcRef
	typeNames map[string]GcRef

	hostMu sync.RWMutex
	hosts  map[uint32]HostFunc

	channels *channelRegistry
	spawner  *threads.Spawner[Value]

	threadsMu sync.Mutex
	live      map[*thread]struct{}
	byID      map[threads.ID]*thread

	tiering  bool
	jitMode  config.JITMode
	jitTrace atomic.Bool
	jitLimit atomic.Int64
	jitStats jitCounters
	compiler *jit.Compiler
	warnOnce sync.Once

	opcodes *OpcodeProfile
	preload map[string]FunctionProfile

	outMu      sync.Mutex
	start      time.Time
	lastResult Value
}

// New returns a VM configured by cfg.
func New(cfg config.Config) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vm := &VM{
		ID:        uuid.New(),
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		cfg:       cfg,
		heap:      NewHeap(cfg.GC.HeapLimit),
		gc:        gc.NewConcurrentGC(cfg.GC.Enabled),
		typeNames: make(map[string]GcRef),
		hosts:     make(map[uint32]HostFunc),
		channels:  newChannelRegistry(),
		spawner:   threads.NewSpawner[Value](),
		live:      make(map[*thread]struct{}),
		byID:      make(map[threads.ID]*thread),
		jitMode:   cfg.JIT.Mode,
		compiler:  jit.NewCompiler(),
		start:     time.Now(),
	}
	vm.jitLimit.Store(int64(cfg.JIT.Threshold))
	vm.jitTrace.Store(cfg.JIT.Trace)
	vm.heap.SetBarrier(func(old GcRef) { vm.gc.WriteBarrier(old) })
	vm.collector = newCollector(vm)
	if cfg.Profile.Opcodes {
		vm.opcodes = NewOpcodeProfile()
	}
	vm.registerBuiltinHosts()
	log.Debug("vm created", "id", vm.ID.String(), "jit", string(cfg.JIT.Mode), "gc", string(cfg.GC.Mode))
	return vm, nil
}

// Heap returns the VM's heap.
func (vm *VM) Heap() *Heap { return vm.heap }

// SetArgs sets the process arguments Argc, Argv and Args expose. By
// convention args[0] is the program path.
func (vm *VM) SetArgs(args []string) {
	vm.args = append([]string(nil), args...)
}

// Config returns the configuration the VM was created with.
func (vm *VM) Config() config.Config { return vm.cfg }

// Run verifies and interprets c without tier promotion, returning the value
// main returns.
func (vm *VM) Run(c *bytecode.Chunk) (Value, error) {
	return vm.run(c, false)
}

// RunWithQuickening verifies and runs c, promoting hot functions to the
// quickened tier and, when the JIT is enabled, to native code.
func (vm *VM) RunWithQuickening(c *bytecode.Chunk) (Value, error) {
	return vm.run(c, true)
}

func (vm *VM) run(c *bytecode.Chunk, tiered bool) (Value, error) {
	if c == nil || c.Main == nil {
		return Null, errors.New("chunk has no main function")
	}
	if err := verifier.VerifyChunk(c, verifier.Config{MaxStack: vm.cfg.Verifier.MaxStack}); err != nil {
		return Null, fmt.Errorf("verification failed: %w", err)
	}
	if err := verifier.AttachStackMaps(c); err != nil {
		return Null, fmt.Errorf("stack maps: %w", err)
	}
	vm.load(c, tiered)

	if vm.cfg.GC.Mode == config.GCConcurrent {
		vm.collector.Start()
		defer vm.collector.Stop()
	}

	t := vm.newThread()
	vm.world.RLock()
	result, err := t.call(vm.funcs[len(vm.funcs)-1], nil)
	vm.world.RUnlock()
	vm.dropThread(t)

	if err != nil {
		return Null, vm.uncaught(err)
	}
	vm.strMu.Lock()
	vm.lastResult = result
	vm.strMu.Unlock()
	return result, nil
}

// uncaught converts an exception that unwound out of main.
func (vm *VM) uncaught(err error) error {
	var thrown *Thrown
	if errors.As(err, &thrown) {
		return &RuntimeError{Kind: ErrUncaughtException, Detail: thrown.Text}
	}
	var rt *RuntimeError
	if errors.As(err, &rt) {
		return rt
	}
	// Faults that escaped every frame unlocated, such as an arity mismatch on
	// main, still surface as runtime errors.
	return locate(err, vm.chunk.Main.Name, 0)
}

// load installs c's functions, releasing native code compiled for the
// previous chunk. Main is stored after the user functions.
func (vm *VM) load(c *bytecode.Chunk, tiered bool) {
	vm.threadsMu.Lock()
	idle := len(vm.live) == 0
	vm.threadsMu.Unlock()
	vm.stale = append(vm.stale, vm.funcs...)
	if idle {
		vm.releaseNative(vm.stale)
		vm.stale = nil
	}
	vm.chunk = c
	vm.tiering = tiered
	vm.funcs = make([]*function, 0, len(c.Functions)+1)
	for i, fn := range c.AllFunctions() {
		f := newFunction(i, fn)
		if p, ok := vm.preload[fn.Name]; ok {
			f.calls.Store(p.Calls)
		}
		vm.funcs = append(vm.funcs, f)
	}

	vm.strMu.Lock()
	vm.strings = make([]GcRef, len(c.Strings))
	vm.strMu.Unlock()
}

// function resolves a call target. Main cannot be called.
func (vm *VM) function(idx int) (*function, error) {
	if idx < 0 || idx >= len(vm.funcs)-1 {
		return nil, faultf(ErrUndefinedFunction, "function index %d (chunk has %d)", idx, len(vm.funcs)-1)
	}
	return vm.funcs[idx], nil
}

// CallFunction calls a bytecode function by name from the host. It is not
// supported yet.
func (vm *VM) CallFunction(name string, args ...Value) (Value, error) {
	return Null, fmt.Errorf("%s: %w", name, ErrCallNotImplemented)
}

// GCStats returns the collector's cumulative statistics.
func (vm *VM) GCStats() gc.Stats { return vm.gc.Stats() }

// LastGCCycle returns the most recent collection's figures, or nil before
// the first one.
func (vm *VM) LastGCCycle() *CycleStats { return vm.collector.LastStats() }

// HeapStats returns current heap figures.
func (vm *VM) HeapStats() HeapStats { return vm.heap.Stats() }

// GC runs a full collection. It must not be called from a running bytecode
// thread.
func (vm *VM) GC() { vm.collector.Collect() }

// Close stops the collector and releases native code. The VM must not be
// used afterwards.
func (vm *VM) Close() error {
	vm.collector.Stop()
	vm.releaseNative(vm.stale)
	vm.releaseNative(vm.funcs)
	return nil
}

// OpcodeProfile returns the opcode counts, or nil when profiling is off.
func (vm *VM) OpcodeProfile() *OpcodeProfile { return vm.opcodes }

// stopWorld waits until every running thread is parked at a safepoint or in a
// blocking operation.
func (vm *VM) stopWorld() {
	atomic.StoreUint32(&vm.poll, 1)
	vm.world.Lock()
	atomic.StoreUint32(&vm.poll, 0)
}

func (vm *VM) startWorld() { vm.world.Unlock() }

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// newString allocates a string object.
func (vm *VM) newString(s string) (Value, error) {
	r, err := vm.heap.Alloc(&Object{Kind: ObjString, Str: s})
	if err != nil {
		return Null, err
	}
	return RefValue(r), nil
}

// stringConst returns the object for string literal idx, allocating it on
// first use. Literal objects live as long as the VM.
func (vm *VM) stringConst(idx int) (Value, error) {
	vm.strMu.Lock()
	defer vm.strMu.Unlock()
	if idx < 0 || idx >= len(vm.strings) {
		return Null, typeErrorf("string index %d out of range (pool has %d)", idx, len(vm.strings))
	}
	if r := vm.strings[idx]; r != 0 {
		return RefValue(r), nil
	}
	v, err := vm.newString(vm.chunk.Strings[idx])
	if err != nil {
		return Null, err
	}
	vm.strings[idx] = v.AsRef()
	return v, nil
}

// typeName returns the interned type-name string for TypeOf.
func (vm *VM) typeName(name string) (Value, error) {
	vm.strMu.Lock()
	defer vm.strMu.Unlock()
	if r, ok := vm.typeNames[name]; ok {
		return RefValue(r), nil
	}
	v, err := vm.newString(name)
	if err != nil {
		return Null, err
	}
	vm.typeNames[name] = v.AsRef()
	return v, nil
}

// StringOf returns the contents of a string value.
func (vm *VM) StringOf(v Value) (string, bool) {
	if !v.IsRef() {
		return "", false
	}
	obj := vm.heap.Get(v.AsRef())
	if obj == nil || obj.Kind != ObjString {
		return "", false
	}
	return obj.Str, true
}
