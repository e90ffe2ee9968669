package verifier

import (
	"sort"

	"github.com/chazu/moca/pkg/bytecode"
)

// BasicBlock is a maximal straight-line run of instructions [Start, End).
type BasicBlock struct {
	Start int
	End   int
	Succs []Edge
}

// Edge is a control-flow edge. Push is the number of values the edge adds to
// the stack on entry to the target: 1 for the handler edge of TryBegin (the
// thrown value), 0 otherwise.
type Edge struct {
	Block int
	Push  int
}

// Last returns the PC of the block's final instruction.
func (b *BasicBlock) Last() int { return b.End - 1 }

// CFG is the control-flow graph of one function. It is a transient analysis
// artifact and is never persisted.
type CFG struct {
	Blocks  []BasicBlock
	blockOf []int
}

// BlockAt returns the index of the block containing pc.
func (g *CFG) BlockAt(pc int) int { return g.blockOf[pc] }

// BuildCFG finds leaders, splits the code into basic blocks and computes
// successors.
func BuildCFG(fn *bytecode.Function) (*CFG, error) {
	code := fn.Code
	if len(code) == 0 {
		return nil, &VerifyError{Kind: ErrEmptyFunction, Function: fn.Name}
	}

	leaders := map[int]bool{0: true}
	for pc, op := range code {
		if target, ok := op.Target(); ok {
			if target < 0 || target >= len(code) {
				return nil, &VerifyError{Kind: ErrInvalidJumpTarget, Function: fn.Name, PC: pc, Actual: target}
			}
			leaders[target] = true
		}
		if op.Code.IsConditionalJump() || op.Code.IsTerminator() || op.Code == bytecode.OpTryBegin {
			if pc+1 < len(code) {
				leaders[pc+1] = true
			}
		}
	}

	starts := make([]int, 0, len(leaders))
	for pc := range leaders {
		starts = append(starts, pc)
	}
	sort.Ints(starts)

	g := &CFG{blockOf: make([]int, len(code))}
	for i, start := range starts {
		end := len(code)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		for pc := start; pc < end; pc++ {
			g.blockOf[pc] = i
		}
		g.Blocks = append(g.Blocks, BasicBlock{Start: start, End: end})
	}

	for i := range g.Blocks {
		b := &g.Blocks[i]
		last := code[b.Last()]
		fall := -1
		if b.End < len(code) {
			fall = g.blockOf[b.End]
		}

		switch {
		case last.Code == bytecode.OpRet || last.Code == bytecode.OpThrow:
		case last.Code == bytecode.OpJmp:
			target, _ := last.Target()
			b.Succs = []Edge{{Block: g.blockOf[target]}}
		case last.Code.IsConditionalJump():
			target, _ := last.Target()
			b.Succs = []Edge{{Block: g.blockOf[target]}}
			if fall >= 0 && fall != g.blockOf[target] {
				b.Succs = append(b.Succs, Edge{Block: fall})
			}
		case last.Code == bytecode.OpTryBegin:
			target, _ := last.Target()
			b.Succs = []Edge{{Block: g.blockOf[target], Push: 1}}
			if fall >= 0 {
				b.Succs = append(b.Succs, Edge{Block: fall})
			}
		default:
			if fall >= 0 {
				b.Succs = []Edge{{Block: fall}}
			}
		}
	}
	return g, nil
}

// fallsOffEnd reports whether block b ends the code without a terminator.
func (g *CFG) fallsOffEnd(fn *bytecode.Function, b int) bool {
	blk := g.Blocks[b]
	if blk.End != len(fn.Code) {
		return false
	}
	last := fn.Code[blk.Last()].Code
	return last != bytecode.OpRet && last != bytecode.OpThrow && last != bytecode.OpJmp
}
