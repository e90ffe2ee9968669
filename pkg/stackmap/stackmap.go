// Package stackmap records which operand-stack and local slots hold heap
// references at each safepoint of a function.
//
// Entries are keyed by program counter. For bytecode the key is an index into
// the function's instruction vector; for native code it is a byte offset into
// the emitted machine code. The garbage collector consults these maps when it
// scans a thread that is parked at a safepoint.
//
// A RefBitset covers at most MaxSlots slots. Slots beyond that limit are not
// described by the map; the collector falls back to inspecting value tags for
// them.
package stackmap

import (
	"math/bits"
	"sort"
)

// MaxSlots is the number of slots a RefBitset can describe.
const MaxSlots = 64

// RefBitset is a 64-bit mask: bit i set means slot i holds a reference.
type RefBitset uint64

// Set marks slot i. Indices at or beyond MaxSlots are ignored.
func (b *RefBitset) Set(i int) {
	if i < 0 || i >= MaxSlots {
		return
	}
	*b |= 1 << uint(i)
}

// Clear unmarks slot i.
func (b *RefBitset) Clear(i int) {
	if i < 0 || i >= MaxSlots {
		return
	}
	*b &^= 1 << uint(i)
}

// IsSet reports whether slot i is marked. Out of range indices report false.
func (b RefBitset) IsSet(i int) bool {
	if i < 0 || i >= MaxSlots {
		return false
	}
	return b&(1<<uint(i)) != 0
}

// Bits returns the raw mask.
func (b RefBitset) Bits() uint64 { return uint64(b) }

// Count returns the number of marked slots.
func (b RefBitset) Count() int { return bits.OnesCount64(uint64(b)) }

// Indices returns the marked slot indices in ascending order.
func (b RefBitset) Indices() []int {
	var out []int
	for v := uint64(b); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}

// Entry describes the frame layout at one safepoint.
type Entry struct {
	PC          uint32
	StackHeight uint16
	StackRefs   RefBitset
	LocalRefs   RefBitset
}

// IsStackRef reports whether operand-stack slot i holds a reference.
func (e *Entry) IsStackRef(i int) bool { return e.StackRefs.IsSet(i) }

// IsLocalRef reports whether local slot i holds a reference.
func (e *Entry) IsLocalRef(i int) bool { return e.LocalRefs.IsSet(i) }

// FunctionStackMap maps program counters to entries.
type FunctionStackMap struct {
	entries map[uint32]*Entry
	sorted  []uint32
}

// New returns an empty map.
func New() *FunctionStackMap {
	return &FunctionStackMap{entries: make(map[uint32]*Entry)}
}

// Add inserts or replaces the entry at e.PC.
func (m *FunctionStackMap) Add(e Entry) {
	if _, exists := m.entries[e.PC]; !exists {
		i := sort.Search(len(m.sorted), func(i int) bool { return m.sorted[i] >= e.PC })
		m.sorted = append(m.sorted, 0)
		copy(m.sorted[i+1:], m.sorted[i:])
		m.sorted[i] = e.PC
	}
	entry := e
	m.entries[e.PC] = &entry
}

// Get returns the entry recorded at exactly pc.
func (m *FunctionStackMap) Get(pc uint32) (*Entry, bool) {
	if m == nil {
		return nil, false
	}
	e, ok := m.entries[pc]
	return e, ok
}

// Lookup returns the entry at pc if one exists, otherwise the entry with the
// greatest PC not exceeding pc. It returns nil when no entry precedes pc;
// callers must treat that as "no known safepoint".
func (m *FunctionStackMap) Lookup(pc uint32) *Entry {
	if m == nil {
		return nil
	}
	if e, ok := m.entries[pc]; ok {
		return e
	}
	i := sort.Search(len(m.sorted), func(i int) bool { return m.sorted[i] > pc })
	if i == 0 {
		return nil
	}
	return m.entries[m.sorted[i-1]]
}

// Len returns the number of entries.
func (m *FunctionStackMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entries returns all entries ordered by PC.
func (m *FunctionStackMap) Entries() []Entry {
	if m == nil {
		return nil
	}
	out := make([]Entry, 0, len(m.sorted))
	for _, pc := range m.sorted {
		out = append(out, *m.entries[pc])
	}
	return out
}

// Equal reports whether two maps hold the same entries.
func (m *FunctionStackMap) Equal(other *FunctionStackMap) bool {
	if m.Len() != other.Len() {
		return false
	}
	for _, e := range m.Entries() {
		o, ok := other.Get(e.PC)
		if !ok || *o != e {
			return false
		}
	}
	return true
}
