package vm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chazu/moca/vm/gc"
	"github.com/chazu/moca/vm/ic"
)

// GcRef names a heap object by its index in the heap. Zero is null.
type GcRef = gc.Ref

// ObjectKind distinguishes heap object layouts.
type ObjectKind uint8

const (
	// ObjSlots is an array of values.
	ObjSlots ObjectKind = iota
	// ObjObject is a record whose field names come from its shape.
	ObjObject
	// ObjString is an immutable byte string.
	ObjString
)

func (k ObjectKind) String() string {
	switch k {
	case ObjSlots:
		return "array"
	case ObjObject:
		return "object"
	case ObjString:
		return "string"
	}
	return fmt.Sprintf("objkind(%d)", uint8(k))
}

// Object is a heap cell.
type Object struct {
	Kind  ObjectKind
	Shape *Shape
	Slots []Value
	Str   string

	// epoch is the collection cycle that last marked the object.
	epoch uint32
}

const (
	objectHeaderBytes = 48
	slotBytes         = 16

	// DefaultGCThreshold is the allocation volume that triggers the first
	// collection.
	DefaultGCThreshold = 1 << 20
)

func (o *Object) size() int64 {
	return objectHeaderBytes + int64(len(o.Slots))*slotBytes + int64(len(o.Str))
}

// Len is the slot count, or the byte length of a string.
func (o *Object) Len() int {
	if o.Kind == ObjString {
		return len(o.Str)
	}
	return len(o.Slots)
}

// ---------------------------------------------------------------------------
// Shapes
// ---------------------------------------------------------------------------

// Shape is the field layout shared by objects created from the same shape
// descriptor. Its ID is the type the inline caches key on.
type Shape struct {
	ID     ic.TypeID
	Fields []string
	index  map[string]int
}

// Offset returns the slot holding field name.
func (s *Shape) Offset(name string) (int, bool) {
	off, ok := s.index[name]
	return off, ok
}

// ShapeRegistry interns shapes by descriptor.
type ShapeRegistry struct {
	mu     sync.Mutex
	shapes map[string]*Shape
	byID   []*Shape
}

// NewShapeRegistry returns an empty registry. Shape IDs start at 1.
func NewShapeRegistry() *ShapeRegistry {
	return &ShapeRegistry{shapes: make(map[string]*Shape), byID: []*Shape{nil}}
}

// Intern returns the shape for a comma-separated field list.
func (r *ShapeRegistry) Intern(descriptor string) *Shape {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.shapes[descriptor]; ok {
		return s
	}
	var fields []string
	if descriptor != "" {
		for _, f := range strings.Split(descriptor, ",") {
			fields = append(fields, strings.TrimSpace(f))
		}
	}
	s := &Shape{ID: ic.TypeID(len(r.byID)), Fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		if _, dup := s.index[f]; !dup {
			s.index[f] = i
		}
	}
	r.shapes[descriptor] = s
	r.byID = append(r.byID, s)
	return s
}

// Len returns the number of interned shapes.
func (r *ShapeRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID) - 1
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// HeapStats describes the heap at one point in time.
type HeapStats struct {
	Objects   int   `yaml:"objects"`
	Bytes     int64 `yaml:"bytes"`
	Threshold int64 `yaml:"threshold"`
	Limit     int64 `yaml:"limit,omitempty"`
}

// Heap is a non-moving arena of objects indexed by GcRef, with a free list
// of reclaimed indices.
//
// Objects are marked by stamping them with the current cycle's epoch.
// Allocation always stamps the current epoch, so objects allocated while a
// cycle is running are black and survive it.
type Heap struct {
	mu        sync.RWMutex
	objects   []*Object
	free      []GcRef
	live      int
	bytes     int64
	threshold int64
	limit     int64
	epoch     uint32

	// barrier is called with the reference a store is about to overwrite.
	barrier func(old GcRef)

	Shapes *ShapeRegistry
}

// NewHeap returns an empty heap. limit is a byte limit; zero means none.
func NewHeap(limit int64) *Heap {
	return &Heap{
		objects:   []*Object{nil},
		threshold: DefaultGCThreshold,
		limit:     limit,
		Shapes:    NewShapeRegistry(),
	}
}

// SetBarrier installs the write barrier.
func (h *Heap) SetBarrier(fn func(old GcRef)) { h.barrier = fn }

// Alloc stores obj and returns its reference.
func (h *Heap) Alloc(obj *Object) (GcRef, error) {
	size := obj.size()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 && h.bytes+size > h.limit {
		return 0, faultf(ErrHeapLimit, "allocating %d bytes with %d in use (limit %d)", size, h.bytes, h.limit)
	}
	obj.epoch = h.epoch
	h.bytes += size
	h.live++
	if n := len(h.free); n > 0 {
		r := h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[r] = obj
		return r, nil
	}
	h.objects = append(h.objects, obj)
	return GcRef(len(h.objects) - 1), nil
}

// WouldExceed reports whether allocating size more bytes breaks the limit.
func (h *Heap) WouldExceed(size int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.limit > 0 && h.bytes+size > h.limit
}

// Get returns the object r names, or nil.
func (h *Heap) Get(r GcRef) *Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r == 0 || int(r) >= len(h.objects) {
		return nil
	}
	return h.objects[r]
}

func (h *Heap) object(v Value) (*Object, error) {
	if v.Kind == KindNull {
		return nil, typeErrorf("null reference")
	}
	if v.Kind != KindRef {
		return nil, typeErrorf("expected reference, got %s", v.Kind)
	}
	obj := h.Get(v.AsRef())
	if obj == nil {
		return nil, faultf(ErrInternal, "dangling reference %d", v.Bits)
	}
	return obj, nil
}

// Load reads slot i of the object ref names. Loading from a string yields
// the byte at i as an i64.
func (h *Heap) Load(ref Value, i int64) (Value, error) {
	obj, err := h.object(ref)
	if err != nil {
		return Null, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if i < 0 || i >= int64(obj.Len()) {
		return Null, typeErrorf("index %d out of bounds for %s of length %d", i, obj.Kind, obj.Len())
	}
	if obj.Kind == ObjString {
		return I64(int64(obj.Str[i])), nil
	}
	return obj.Slots[i], nil
}

// Store writes slot i, passing an overwritten reference to the barrier.
func (h *Heap) Store(ref Value, i int64, v Value) error {
	obj, err := h.object(ref)
	if err != nil {
		return err
	}
	if obj.Kind == ObjString {
		return typeErrorf("strings are immutable")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= int64(len(obj.Slots)) {
		return typeErrorf("index %d out of bounds for %s of length %d", i, obj.Kind, len(obj.Slots))
	}
	if old := obj.Slots[i]; old.IsRef() && h.barrier != nil {
		h.barrier(old.AsRef())
	}
	obj.Slots[i] = v
	return nil
}

// ShouldCollect reports whether allocating extra more bytes reaches the
// collection threshold.
func (h *Heap) ShouldCollect(extra int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bytes+extra >= h.threshold
}

// Stats returns current heap figures.
func (h *Heap) Stats() HeapStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HeapStats{Objects: h.live, Bytes: h.bytes, Threshold: h.threshold, Limit: h.limit}
}

// BeginCycle starts a new mark epoch. Every object is white afterwards.
func (h *Heap) BeginCycle() {
	h.mu.Lock()
	h.epoch++
	h.mu.Unlock()
}

// Mark is the collector's mark function: it stamps r with the current epoch
// and returns r's reference children, or nothing if r was already marked.
func (h *Heap) Mark(r GcRef) []GcRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r == 0 || int(r) >= len(h.objects) {
		return nil
	}
	obj := h.objects[r]
	if obj == nil || obj.epoch == h.epoch {
		return nil
	}
	obj.epoch = h.epoch
	var children []GcRef
	for _, v := range obj.Slots {
		if v.IsRef() {
			children = append(children, v.AsRef())
		}
	}
	return children
}

// Marked reports whether r carries the current epoch.
func (h *Heap) Marked(r GcRef) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r == 0 || int(r) >= len(h.objects) || h.objects[r] == nil {
		return false
	}
	return h.objects[r].epoch == h.epoch
}

// SweepRange frees unmarked objects among the n indices starting at from.
// It returns the number freed and the index to continue at, or 0 when the
// heap has been covered.
func (h *Heap) SweepRange(from, n int) (swept, next int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if from < 1 {
		from = 1
	}
	end := from + n
	if end > len(h.objects) {
		end = len(h.objects)
	}
	for i := from; i < end; i++ {
		obj := h.objects[i]
		if obj == nil || obj.epoch == h.epoch {
			continue
		}
		h.bytes -= obj.size()
		h.live--
		h.objects[i] = nil
		h.free = append(h.free, GcRef(i))
		swept++
	}
	if end >= len(h.objects) {
		return swept, 0
	}
	return swept, end
}

// FinishSweep resets the collection threshold to twice the surviving
// volume, and never below DefaultGCThreshold.
func (h *Heap) FinishSweep() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threshold = 2 * h.bytes
	if h.threshold < DefaultGCThreshold {
		h.threshold = DefaultGCThreshold
	}
}
