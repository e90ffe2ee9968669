package bytecode

import (
	"fmt"

	"github.com/chazu/moca/pkg/stackmap"
)

// Function is one callable unit of bytecode.
type Function struct {
	Name        string
	Arity       int
	LocalsCount int
	Code        []Op

	// StackMap is attached after verification. Nil until then.
	StackMap *stackmap.FunctionStackMap
}

// SourceLocation maps an instruction to a source position.
type SourceLocation struct {
	PC     uint32
	Line   uint32
	Column uint16
}

// DebugInfo carries optional source mapping produced by the front end.
// The MOCA format currently never serializes it.
type DebugInfo struct {
	SourceFile string
	Functions  map[string][]SourceLocation
}

// Chunk is the unit the front end hands to the execution core: user
// functions, the main function and the string literal pool.
//
// A Chunk is read-only once built. The single exception is attaching a stack
// map to a function after it has been verified.
type Chunk struct {
	Functions []*Function
	Main      *Function
	Strings   []string
	Debug     *DebugInfo
}

// NewChunk creates an empty chunk with the given main function.
func NewChunk(main *Function) *Chunk {
	return &Chunk{Main: main}
}

// AddFunction appends fn and returns its index.
func (c *Chunk) AddFunction(fn *Function) int {
	c.Functions = append(c.Functions, fn)
	return len(c.Functions) - 1
}

// AddString interns s in the string pool and returns its index.
func (c *Chunk) AddString(s string) int {
	for i, existing := range c.Strings {
		if existing == s {
			return i
		}
	}
	c.Strings = append(c.Strings, s)
	return len(c.Strings) - 1
}

// StringAt returns string literal idx.
func (c *Chunk) StringAt(idx int) (string, error) {
	if idx < 0 || idx >= len(c.Strings) {
		return "", fmt.Errorf("string index %d out of range (pool has %d)", idx, len(c.Strings))
	}
	return c.Strings[idx], nil
}

// Function returns function idx.
func (c *Chunk) Function(idx int) (*Function, error) {
	if idx < 0 || idx >= len(c.Functions) {
		return nil, fmt.Errorf("function index %d out of range (chunk has %d)", idx, len(c.Functions))
	}
	return c.Functions[idx], nil
}

// FunctionByName returns the index and function with the given name, or -1.
func (c *Chunk) FunctionByName(name string) (int, *Function) {
	for i, fn := range c.Functions {
		if fn.Name == name {
			return i, fn
		}
	}
	return -1, nil
}

// AllFunctions returns the user functions followed by main.
func (c *Chunk) AllFunctions() []*Function {
	out := make([]*Function, 0, len(c.Functions)+1)
	out = append(out, c.Functions...)
	if c.Main != nil {
		out = append(out, c.Main)
	}
	return out
}
