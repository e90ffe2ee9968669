// Package ic implements inline caches for named field access.
//
// Each GetField/SetField site gets its own cache keyed by bytecode PC. A cache
// maps an object's shape ID to the slot offset of the named field, so that
// repeated accesses on objects of the same shape skip the name lookup.
//
// Most sites see a single shape, a few see a handful, and a rare few see many.
// The cache progresses through states accordingly:
//
//	Uninitialized -> Monomorphic -> Polymorphic -> Megamorphic
//
// Megamorphic is terminal: entries are dropped and every check misses.
package ic

import (
	"fmt"
	"sync"
)

// State is the current state of an inline cache.
type State uint8

const (
	Uninitialized State = iota // No shape observed yet
	Monomorphic                // Single (shape, offset) cached
	Polymorphic                // Primary entry plus up to MaxExtra extras
	Megamorphic                // Too many shapes, caching disabled
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Monomorphic:
		return "monomorphic"
	case Polymorphic:
		return "polymorphic"
	case Megamorphic:
		return "megamorphic"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MaxExtra is the number of entries a polymorphic cache keeps besides its
// primary entry.
const MaxExtra = 3

// TypeID identifies an object shape.
type TypeID uint32

// Entry is one cached lookup result.
type Entry struct {
	Type   TypeID
	Offset int
}

// InlineCache is the cache for a single site. It is not safe for concurrent
// use; Table serialises access.
type InlineCache struct {
	State   State
	Primary Entry
	Extra   [MaxExtra]Entry
	Count   int // valid entries in Extra

	Hits   uint64
	Misses uint64
}

// Check returns the cached offset for typeID.
func (c *InlineCache) Check(typeID TypeID) (int, bool) {
	switch c.State {
	case Monomorphic:
		if c.Primary.Type == typeID {
			c.Hits++
			return c.Primary.Offset, true
		}

	case Polymorphic:
		if c.Primary.Type == typeID {
			c.Hits++
			return c.Primary.Offset, true
		}
		for i := 0; i < c.Count; i++ {
			if c.Extra[i].Type == typeID {
				c.Hits++
				return c.Extra[i].Offset, true
			}
		}

	case Megamorphic, Uninitialized:
	}

	c.Misses++
	return 0, false
}

// Update records that objects of typeID keep the field at offset.
func (c *InlineCache) Update(typeID TypeID, offset int) {
	switch c.State {
	case Uninitialized:
		c.State = Monomorphic
		c.Primary = Entry{Type: typeID, Offset: offset}

	case Monomorphic:
		if c.Primary.Type == typeID {
			c.Primary.Offset = offset
			return
		}
		c.State = Polymorphic
		c.Extra[0] = Entry{Type: typeID, Offset: offset}
		c.Count = 1

	case Polymorphic:
		if c.Primary.Type == typeID {
			c.Primary.Offset = offset
			return
		}
		for i := 0; i < c.Count; i++ {
			if c.Extra[i].Type == typeID {
				c.Extra[i].Offset = offset
				return
			}
		}
		if c.Count < MaxExtra {
			c.Extra[c.Count] = Entry{Type: typeID, Offset: offset}
			c.Count++
			return
		}
		c.State = Megamorphic
		c.Primary = Entry{}
		c.Extra = [MaxExtra]Entry{}
		c.Count = 0

	case Megamorphic:
	}
}

// Types returns the cached shape IDs, primary first.
func (c *InlineCache) Types() []TypeID {
	if c.State != Monomorphic && c.State != Polymorphic {
		return nil
	}
	out := []TypeID{c.Primary.Type}
	for i := 0; i < c.Count; i++ {
		out = append(out, c.Extra[i].Type)
	}
	return out
}

// HitRate returns the hit rate as a percentage (0-100).
func (c *InlineCache) HitRate() float64 {
	total := c.Hits + c.Misses
	if total == 0 {
		return 0
	}
	return float64(c.Hits) * 100 / float64(total)
}

// Reset returns the cache to Uninitialized.
func (c *InlineCache) Reset() {
	*c = InlineCache{}
}

// Table holds the caches of one function, keyed by bytecode PC. It is safe
// for concurrent use by interpreter and quickened frames on several threads.
type Table struct {
	mu     sync.Mutex
	caches map[int]*InlineCache
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{caches: make(map[int]*InlineCache)}
}

// Check consults the cache at pc.
func (t *Table) Check(pc int, typeID TypeID) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getOrCreate(pc).Check(typeID)
}

// Update records a lookup result for the cache at pc.
func (t *Table) Update(pc int, typeID TypeID, offset int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(pc).Update(typeID, offset)
}

// State returns the state of the cache at pc.
func (t *Table) State(pc int) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.caches[pc]; c != nil {
		return c.State
	}
	return Uninitialized
}

func (t *Table) getOrCreate(pc int) *InlineCache {
	if c := t.caches[pc]; c != nil {
		return c
	}
	c := &InlineCache{}
	t.caches[pc] = c
	return c
}

// Stats holds aggregate inline cache statistics.
type Stats struct {
	Sites         int
	Monomorphic   int
	Polymorphic   int
	Megamorphic   int
	Uninitialized int
	Hits          uint64
	Misses        uint64
}

// HitRate returns the aggregate hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) * 100 / float64(total)
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Sites += other.Sites
	s.Monomorphic += other.Monomorphic
	s.Polymorphic += other.Polymorphic
	s.Megamorphic += other.Megamorphic
	s.Uninitialized += other.Uninitialized
	s.Hits += other.Hits
	s.Misses += other.Misses
}

// Stats returns aggregate statistics for all caches in the table.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	for _, c := range t.caches {
		s.Sites++
		switch c.State {
		case Monomorphic:
			s.Monomorphic++
		case Polymorphic:
			s.Polymorphic++
		case Megamorphic:
			s.Megamorphic++
		case Uninitialized:
			s.Uninitialized++
		}
		s.Hits += c.Hits
		s.Misses += c.Misses
	}
	return s
}

// Reset clears every cache in the table.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.caches {
		c.Reset()
	}
}
