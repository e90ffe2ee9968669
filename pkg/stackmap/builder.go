package stackmap

// Builder tracks reference-ness of the abstract operand stack and locals
// while a code generator walks a function, and records an entry each time a
// safepoint is emitted.
type Builder struct {
	stack  []bool
	locals []bool

	entries []NativeEntry
}

// NativeEntry is an Entry recorded at a native code offset. Entry.PC holds the
// native offset; BytecodePC is the instruction the safepoint was lowered from.
type NativeEntry struct {
	Entry
	BytecodePC uint32
}

// NewBuilder creates a builder for a frame with the given number of locals.
func NewBuilder(locals int) *Builder {
	return &Builder{locals: make([]bool, locals)}
}

// Push pushes a value onto the abstract stack.
func (b *Builder) Push(isRef bool) {
	b.stack = append(b.stack, isRef)
}

// Pop removes the top value and reports whether it was a reference.
// Popping an empty stack returns false.
func (b *Builder) Pop() bool {
	if len(b.stack) == 0 {
		return false
	}
	top := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	return top
}

// PopN pops n values.
func (b *Builder) PopN(n int) {
	for i := 0; i < n; i++ {
		b.Pop()
	}
}

// SetLocal records whether local slot i currently holds a reference.
func (b *Builder) SetLocal(i int, isRef bool) {
	if i >= 0 && i < len(b.locals) {
		b.locals[i] = isRef
	}
}

// Local reports the tracked state of local slot i.
func (b *Builder) Local(i int) bool {
	return i >= 0 && i < len(b.locals) && b.locals[i]
}

// Depth returns the current abstract stack depth.
func (b *Builder) Depth() int { return len(b.stack) }

// Reset empties the abstract stack. Code generators call it after an
// unconditional transfer where the following code is only reachable by a
// branch.
func (b *Builder) Reset(depth int) {
	if depth < len(b.stack) {
		b.stack = b.stack[:depth]
	}
	for len(b.stack) < depth {
		b.stack = append(b.stack, false)
	}
}

// RecordSafepoint snapshots the tracked state as an entry at nativePC.
func (b *Builder) RecordSafepoint(nativePC, bytecodePC uint32) {
	e := NativeEntry{
		Entry:      Entry{PC: nativePC, StackHeight: uint16(len(b.stack))},
		BytecodePC: bytecodePC,
	}
	for i, ref := range b.stack {
		if ref {
			e.StackRefs.Set(i)
		}
	}
	for i, ref := range b.locals {
		if ref {
			e.LocalRefs.Set(i)
		}
	}
	b.entries = append(b.entries, e)
}

// Build returns the recorded entries as a table keyed by native offset.
func (b *Builder) Build() *Table {
	t := &Table{Native: New(), bytecode: make(map[uint32]uint32, len(b.entries))}
	for _, e := range b.entries {
		t.Native.Add(e.Entry)
		t.bytecode[e.PC] = e.BytecodePC
	}
	return t
}

// Table is the stack map of a natively compiled function.
type Table struct {
	Native   *FunctionStackMap
	bytecode map[uint32]uint32
}

// Lookup returns the entry covering nativePC (exact, else nearest preceding)
// together with the bytecode PC it was recorded for.
func (t *Table) Lookup(nativePC uint32) (*Entry, uint32, bool) {
	if t == nil {
		return nil, 0, false
	}
	e := t.Native.Lookup(nativePC)
	if e == nil {
		return nil, 0, false
	}
	return e, t.bytecode[e.PC], true
}

// Len returns the number of safepoints in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return t.Native.Len()
}
