package vm

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/chazu/moca/pkg/bytecode"
)

// OpcodeProfile counts executed opcodes. It is safe for concurrent use.
// Only the interpreter and Raw micro-ops are counted; quickened and native
// arithmetic is not.
type OpcodeProfile struct {
	counts [256]atomic.Uint64
}

// OpcodeCount is one row of a profile report.
type OpcodeCount struct {
	Opcode bytecode.Opcode
	Count  uint64
}

// NewOpcodeProfile returns an empty profile.
func NewOpcodeProfile() *OpcodeProfile { return &OpcodeProfile{} }

func (p *OpcodeProfile) record(code bytecode.Opcode) { p.counts[uint8(code)].Add(1) }

// Count returns the executions of code.
func (p *OpcodeProfile) Count(code bytecode.Opcode) uint64 { return p.counts[uint8(code)].Load() }

// Total returns all recorded executions.
func (p *OpcodeProfile) Total() uint64 {
	var n uint64
	for i := range p.counts {
		n += p.counts[i].Load()
	}
	return n
}

// Top returns the n most executed opcodes, most frequent first. n <= 0
// returns every opcode that ran.
func (p *OpcodeProfile) Top(n int) []OpcodeCount {
	var rows []OpcodeCount
	for i := range p.counts {
		if c := p.counts[i].Load(); c > 0 {
			rows = append(rows, OpcodeCount{Opcode: bytecode.Opcode(i), Count: c})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Opcode < rows[j].Opcode
	})
	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// Report writes the top n opcodes with their share of the total.
func (p *OpcodeProfile) Report(w io.Writer, n int) error {
	total := p.Total()
	if _, err := fmt.Fprintf(w, "opcode profile: %d instructions\n", total); err != nil {
		return err
	}
	for _, row := range p.Top(n) {
		pct := 100 * float64(row.Count) / float64(total)
		if _, err := fmt.Fprintf(w, "  %-20s %12d  %5.1f%%\n", row.Opcode, row.Count, pct); err != nil {
			return err
		}
	}
	return nil
}
