package verifier

import (
	"github.com/chazu/moca/pkg/bytecode"
	"github.com/chazu/moca/pkg/stackmap"
)

// refState is the abstract frame used for reference provenance: one flag per
// operand-stack slot and per local, true when the slot may hold a heap
// reference.
type refState struct {
	stack  []bool
	locals []bool
}

func (s *refState) clone() *refState {
	return &refState{
		stack:  append([]bool(nil), s.stack...),
		locals: append([]bool(nil), s.locals...),
	}
}

// join ORs other into s and reports whether s changed.
func (s *refState) join(other *refState) bool {
	changed := false
	for i := range s.stack {
		if other.stack[i] && !s.stack[i] {
			s.stack[i] = true
			changed = true
		}
	}
	for i := range s.locals {
		if other.locals[i] && !s.locals[i] {
			s.locals[i] = true
			changed = true
		}
	}
	return changed
}

func (s *refState) push(ref bool) { s.stack = append(s.stack, ref) }

func (s *refState) pop() bool {
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return top
}

func (s *refState) popN(n int) {
	s.stack = s.stack[:len(s.stack)-n]
}

func (s *refState) local(i int) bool {
	if i < len(s.locals) {
		return s.locals[i]
	}
	return false
}

func (s *refState) setLocal(i int, ref bool) {
	if i < len(s.locals) {
		s.locals[i] = ref
	}
}

func (s *refState) entry(pc int) stackmap.Entry {
	e := stackmap.Entry{PC: uint32(pc), StackHeight: uint16(len(s.stack))}
	for i, ref := range s.stack {
		if ref {
			e.StackRefs.Set(i)
		}
	}
	for i, ref := range s.locals {
		if ref {
			e.LocalRefs.Set(i)
		}
	}
	return e
}

// producesRef reports whether the single value pushed by op may be a heap
// reference. Instructions that copy an existing slot are handled by step.
func producesRef(code bytecode.Opcode) bool {
	switch code {
	case bytecode.OpStringConst,
		bytecode.OpHeapAlloc, bytecode.OpHeapAllocDyn, bytecode.OpHeapAllocDynSimple, bytecode.OpObjectNew,
		bytecode.OpArgv, bytecode.OpArgs,
		bytecode.OpHeapLoad, bytecode.OpHeapLoadDyn, bytecode.OpGetField,
		bytecode.OpCall, bytecode.OpSyscall,
		bytecode.OpChannelRecv, bytecode.OpThreadJoin,
		bytecode.OpTypeOf, bytecode.OpPickDyn:
		return true
	}
	return false
}

// step applies op to s.
func step(s *refState, op bytecode.Op) {
	switch op.Code {
	case bytecode.OpLocalGet:
		s.push(s.local(op.Index()))
		return
	case bytecode.OpLocalSet:
		s.setLocal(op.Index(), s.pop())
		return
	case bytecode.OpDup:
		s.push(s.stack[len(s.stack)-1])
		return
	case bytecode.OpPick:
		s.push(s.stack[len(s.stack)-1-op.Index()])
		return
	case bytecode.OpPrint:
		// Print leaves its operand in place.
		return
	}

	pops, pushes := op.StackEffect()
	s.popN(pops)
	for i := 0; i < pushes; i++ {
		s.push(producesRef(op.Code))
	}
}

// BuildStackMap derives a stack map for fn by abstract interpretation. Each
// entry describes the frame immediately before the safepoint instruction
// executes. Slots are conservatively marked when any path may leave a
// reference in them. Parameters are assumed to be references.
//
// Slots at index 64 or above cannot be represented in a RefBitset and are
// left for the collector to classify by value tag.
func BuildStackMap(fn *bytecode.Function) (*stackmap.FunctionStackMap, error) {
	g, err := BuildCFG(fn)
	if err != nil {
		return nil, err
	}
	if _, err := New(Config{}).Heights(fn, g); err != nil {
		return nil, err
	}

	nlocals := fn.LocalsCount
	for _, op := range fn.Code {
		if (op.Code == bytecode.OpLocalGet || op.Code == bytecode.OpLocalSet) && op.Index() >= nlocals {
			nlocals = op.Index() + 1
		}
	}
	init := &refState{locals: make([]bool, nlocals)}
	for i := 0; i < fn.Arity && i < fn.LocalsCount; i++ {
		init.locals[i] = true
	}

	in := make([]*refState, len(g.Blocks))
	in[0] = init
	work := []int{0}
	queued := make([]bool, len(g.Blocks))
	queued[0] = true

	for len(work) > 0 {
		b := work[0]
		work = work[1:]
		queued[b] = false

		s := in[b].clone()
		blk := g.Blocks[b]
		for pc := blk.Start; pc < blk.End; pc++ {
			step(s, fn.Code[pc])
		}

		for _, e := range blk.Succs {
			out := s
			if e.Push > 0 {
				// The throw may come from anywhere in the protected region, so
				// every slot the handler inherits is treated as a possible
				// reference. The handler also receives the thrown value.
				out = s.clone()
				for i := range out.locals {
					out.locals[i] = true
				}
				for i := range out.stack {
					out.stack[i] = true
				}
				out.push(true)
			}
			changed := false
			if in[e.Block] == nil {
				in[e.Block] = out.clone()
				changed = true
			} else {
				changed = in[e.Block].join(out)
			}
			if changed && !queued[e.Block] {
				queued[e.Block] = true
				work = append(work, e.Block)
			}
		}
	}

	sm := stackmap.New()
	for b, blk := range g.Blocks {
		if in[b] == nil {
			continue
		}
		s := in[b].clone()
		for pc := blk.Start; pc < blk.End; pc++ {
			if IsSafepoint(fn.Code[pc], pc) {
				sm.Add(s.entry(pc))
			}
			step(s, fn.Code[pc])
		}
	}
	return sm, nil
}

// AttachStackMaps derives and attaches a stack map to every function in c
// that does not already carry one.
func AttachStackMaps(c *bytecode.Chunk) error {
	for _, fn := range c.AllFunctions() {
		if fn.StackMap != nil {
			continue
		}
		sm, err := BuildStackMap(fn)
		if err != nil {
			return err
		}
		fn.StackMap = sm
	}
	return nil
}
