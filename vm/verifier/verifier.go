// Package verifier checks bytecode functions before they are executed.
//
// Verification builds a control-flow graph, validates every jump target and
// abstractly interprets the operand-stack height block by block. Every path
// into a block must agree on the entry height; the interpreter, the micro-op
// lowering and the native code generator all rely on that.
//
// The package also classifies safepoints and derives the stack maps the
// garbage collector uses to find references in interpreted frames.
package verifier

import (
	"fmt"

	"github.com/chazu/moca/pkg/bytecode"
)

// DefaultMaxStack is the operand-stack limit used when Config.MaxStack is 0.
const DefaultMaxStack = 1024

// Config controls verification limits.
type Config struct {
	MaxStack int
}

// Verifier validates functions against a Config.
type Verifier struct {
	maxStack int
}

// New creates a verifier.
func New(cfg Config) *Verifier {
	max := cfg.MaxStack
	if max <= 0 {
		max = DefaultMaxStack
	}
	return &Verifier{maxStack: max}
}

// Verify checks fn with the default configuration.
func Verify(fn *bytecode.Function) error {
	return New(Config{}).Verify(fn)
}

// VerifyChunk checks every function in c, main included.
func VerifyChunk(c *bytecode.Chunk, cfg Config) error {
	v := New(cfg)
	for i, fn := range c.Functions {
		if err := v.Verify(fn); err != nil {
			return fmt.Errorf("function %d: %w", i, err)
		}
	}
	if c.Main != nil {
		if err := v.Verify(c.Main); err != nil {
			return fmt.Errorf("main: %w", err)
		}
	}
	return nil
}

// Verify returns nil if fn is well formed, or a *VerifyError.
func (v *Verifier) Verify(fn *bytecode.Function) error {
	g, err := BuildCFG(fn)
	if err != nil {
		return err
	}
	_, err = v.Heights(fn, g)
	return err
}

// Heights runs the breadth-first stack-height analysis and returns the entry
// height of every block (-1 for unreachable blocks).
func (v *Verifier) Heights(fn *bytecode.Function, g *CFG) ([]int, error) {
	entry := make([]int, len(g.Blocks))
	for i := range entry {
		entry[i] = -1
	}
	entry[0] = 0
	queue := []int{0}

	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		blk := g.Blocks[b]

		height := entry[b]
		for pc := blk.Start; pc < blk.End; pc++ {
			pops, pushes := fn.Code[pc].StackEffect()
			if height < pops {
				return nil, &VerifyError{Kind: ErrStackUnderflow, Function: fn.Name, PC: pc, Expected: pops, Actual: height}
			}
			height += pushes - pops
			if height > v.maxStack {
				return nil, &VerifyError{Kind: ErrStackOverflow, Function: fn.Name, PC: pc, Expected: v.maxStack, Actual: height}
			}
		}

		if g.fallsOffEnd(fn, b) {
			return nil, &VerifyError{Kind: ErrMissingReturn, Function: fn.Name, PC: blk.Last()}
		}

		for _, e := range blk.Succs {
			h := height + e.Push
			if h > v.maxStack {
				return nil, &VerifyError{Kind: ErrStackOverflow, Function: fn.Name, PC: blk.Last(), Expected: v.maxStack, Actual: h}
			}
			switch entry[e.Block] {
			case -1:
				entry[e.Block] = h
				queue = append(queue, e.Block)
			case h:
			default:
				return nil, &VerifyError{
					Kind:     ErrStackHeightMismatch,
					Function: fn.Name,
					PC:       g.Blocks[e.Block].Start,
					Expected: entry[e.Block],
					Actual:   h,
				}
			}
		}
	}
	return entry, nil
}

// IsSafepoint reports whether the collector may observe a thread parked
// before op at pc. Calls, allocations, thread spawns and channel creation are
// always safepoints; a jump is one only when it branches backwards.
func IsSafepoint(op bytecode.Op, pc int) bool {
	if op.Code.IsAllocation() {
		return true
	}
	switch op.Code {
	case bytecode.OpCall, bytecode.OpThreadSpawn, bytecode.OpChannelCreate:
		return true
	case bytecode.OpJmp, bytecode.OpBrIf, bytecode.OpBrIfFalse:
		target, _ := op.Target()
		return target < pc
	}
	return false
}

// SafepointPCs lists the safepoint PCs of fn in ascending order.
func SafepointPCs(fn *bytecode.Function) []int {
	var pcs []int
	for pc, op := range fn.Code {
		if IsSafepoint(op, pc) {
			pcs = append(pcs, pc)
		}
	}
	return pcs
}

// CheckStackMap verifies that fn's attached stack map covers every safepoint.
func CheckStackMap(fn *bytecode.Function) error {
	for _, pc := range SafepointPCs(fn) {
		if _, ok := fn.StackMap.Get(uint32(pc)); !ok {
			return &VerifyError{Kind: ErrMissingStackMap, Function: fn.Name, PC: pc}
		}
	}
	return nil
}
