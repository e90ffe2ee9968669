package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of every function in the chunk.
func (c *Chunk) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; MOCA bytecode v%d\n", FormatVersion))
	if len(c.Strings) > 0 {
		sb.WriteString("; Strings:\n")
		for i, s := range c.Strings {
			display := s
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %q\n", i, display))
		}
	}

	for i, fn := range c.Functions {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("; function %d\n", i))
		sb.WriteString(c.disassembleFunction(fn))
	}
	if c.Main != nil {
		sb.WriteString("\n")
		sb.WriteString(c.disassembleFunction(c.Main))
	}
	return sb.String()
}

// Disassemble returns a listing of fn without chunk annotations.
func (fn *Function) Disassemble() string {
	return (&Chunk{}).disassembleFunction(fn)
}

func (c *Chunk) disassembleFunction(fn *Function) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; === %s (arity %d, locals %d) ===\n", fn.Name, fn.Arity, fn.LocalsCount))
	for pc, op := range fn.Code {
		line := op.String()
		if note := c.annotate(op); note != "" {
			line = fmt.Sprintf("%-28s ; %s", line, note)
		}
		marker := "  "
		if e, ok := fn.StackMap.Get(uint32(pc)); ok {
			marker = "* "
			line = fmt.Sprintf("%-28s ; refs stack=%#x locals=%#x", line, e.StackRefs.Bits(), e.LocalRefs.Bits())
		}
		sb.WriteString(fmt.Sprintf("%s%04d  %s\n", marker, pc, line))
	}
	return sb.String()
}

// annotate resolves pool and function indices for display.
func (c *Chunk) annotate(op Op) string {
	switch op.Code {
	case OpStringConst, OpGetField, OpSetField, OpObjectNew:
		if s, err := c.StringAt(op.Index()); err == nil {
			if len(s) > 20 {
				s = s[:17] + "..."
			}
			return fmt.Sprintf("%q", s)
		}
	case OpCall, OpThreadSpawn:
		if fn, err := c.Function(op.Index()); err == nil {
			return fn.Name
		}
	}
	return ""
}
