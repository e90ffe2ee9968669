// Package jit compiles hot micro-op functions to x86-64 machine code.
//
// Only leaf numeric functions are compiled: no Raw bytecode, no operand-stack
// bridging and no calls. Native code works directly on the frame's register
// file, a contiguous array of 16-byte slots:
//
//	offset 0  value bits (uint64)
//	offset 8  kind tag (uint8)
//
// The calling convention is RDI = register file base, RSI = address of the
// safepoint poll flag. Native code never touches callee-saved registers or
// the Go runtime's reserved registers (R14, X15), and never uses the machine
// stack beyond its own return address.
//
// On return RAX holds a Status: the index of the register holding the
// return value, or a negative trap or yield code. Because every micro-op
// loads its inputs from and stores its result to the register file, the
// register file alone is the complete machine state at any micro-op
// boundary, and a yielded function can be resumed by entering the code at
// the offset encoded in the yield status.
package jit

import (
	"errors"
	"fmt"

	"github.com/chazu/moca/pkg/stackmap"
	"github.com/chazu/moca/vm/jit/amd64"
)

// Register file layout shared with the VM's Value type.
const (
	SlotSize   = 16
	BitsOffset = 0
	KindOffset = 8
)

// Kind tags as stored at KindOffset.
const (
	KindNull uint8 = iota
	KindI32
	KindI64
	KindF32
	KindF64
	KindRef
)

// MaxRegisters bounds the register file so every slot is addressable with
// a 32-bit displacement.
const MaxRegisters = 1 << 20

var (
	// ErrNotEligible is returned for functions that cannot be compiled.
	ErrNotEligible = errors.New("function not eligible for native compilation")

	// ErrNativeUnsupported is returned where executable memory or the call
	// trampoline is unavailable.
	ErrNativeUnsupported = errors.New("native execution not supported on this platform")
)

// Status is the value native code returns in RAX.
type Status int64

const (
	StatusDivByZero Status = -1
	StatusTypeError Status = -2
	StatusInternal  Status = -3

	yieldBase = 16
)

func yieldStatus(offset int) Status { return Status(-(yieldBase + offset)) }

// Returned reports whether native code returned normally, and the register
// holding the result.
func (s Status) Returned() (int, bool) {
	return int(s), s >= 0
}

// Yielded reports whether native code stopped at a safepoint poll, and the
// code offset to resume at.
func (s Status) Yielded() (int, bool) {
	if s > -yieldBase {
		return 0, false
	}
	return int(-s) - yieldBase, true
}

func (s Status) String() string {
	if reg, ok := s.Returned(); ok {
		return fmt.Sprintf("return v%d", reg)
	}
	if off, ok := s.Yielded(); ok {
		return fmt.Sprintf("yield @%#x", off)
	}
	switch s {
	case StatusDivByZero:
		return "trap: division by zero"
	case StatusTypeError:
		return "trap: type error"
	}
	return "trap: internal"
}

// Code is a compiled function.
type Code struct {
	Name      string
	Bytes     []byte
	Registers int

	// StackMaps has one entry per backward-branch safepoint, keyed by the
	// native offset execution resumes at after a yield. LocalRefs covers the
	// whole register file.
	StackMaps *stackmap.Table

	mem []byte
}

// Size returns the machine code length in bytes.
func (c *Code) Size() int { return len(c.Bytes) }

// Installed reports whether the code has been mapped executable.
func (c *Code) Installed() bool { return c.mem != nil }

// Install copies the code into executable memory.
func (c *Code) Install() error {
	if c.mem != nil {
		return nil
	}
	mem, err := mapExecutable(c.Bytes)
	if err != nil {
		return err
	}
	c.mem = mem
	return nil
}

// Release unmaps the executable copy.
func (c *Code) Release() error {
	if c.mem == nil {
		return nil
	}
	err := unmapExecutable(c.mem)
	c.mem = nil
	return err
}

// Disassemble renders the machine code of c.
func Disassemble(c *Code) string { return amd64.Disassemble(c.Bytes) }
