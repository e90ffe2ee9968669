package vm

import (
	"errors"
	"fmt"
)

// Runtime error kinds. A *RuntimeError unwraps to one of these.
var (
	ErrDivisionByZero    = errors.New("division by zero")
	ErrUndefinedFunction = errors.New("undefined function")
	ErrUndefinedVariable = errors.New("undefined variable")
	ErrUndefinedHost     = errors.New("undefined host function")
	ErrTypeError         = errors.New("type error")
	ErrStackOverflow     = errors.New("stack overflow")
	ErrHeapLimit         = errors.New("heap limit exceeded")
	ErrUncaughtException = errors.New("uncaught exception")

	// ErrInternal marks a defect in the VM itself, such as an opcode an
	// execution tier does not handle.
	ErrInternal = errors.New("internal error")
)

// ErrCallNotImplemented is returned by CallFunction. Calling bytecode
// functions from the host is not supported yet.
var ErrCallNotImplemented = errors.New("calling bytecode functions from the host is not implemented")

// RuntimeError aborts execution. Function and PC locate the instruction
// that failed; PC is a bytecode offset in every tier.
type RuntimeError struct {
	Kind     error
	Function string
	PC       int
	Detail   string
}

func (e *RuntimeError) Error() string {
	msg := "runtime error: " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Function != "" {
		msg += fmt.Sprintf(" (in %s at pc %d)", e.Function, e.PC)
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Kind }

// fault is an unlocated runtime error raised by an operation. The executing
// tier attaches the function and PC.
type fault struct {
	kind   error
	detail string
}

func (f *fault) Error() string {
	if f.detail == "" {
		return f.kind.Error()
	}
	return f.kind.Error() + ": " + f.detail
}

func (f *fault) Unwrap() error { return f.kind }

func faultf(kind error, format string, args ...any) error {
	return &fault{kind: kind, detail: fmt.Sprintf(format, args...)}
}

func typeErrorf(format string, args ...any) error { return faultf(ErrTypeError, format, args...) }

// Thrown carries a value raised by Throw while it unwinds to a handler.
type Thrown struct {
	Value Value
	Text  string
}

func (t *Thrown) Error() string { return "exception: " + t.Text }

// locate turns an unlocated fault into a RuntimeError. Errors that already
// carry a location, and thrown values, pass through unchanged.
func locate(err error, fn string, pc int) error {
	var f *fault
	if errors.As(err, &f) {
		return &RuntimeError{Kind: f.kind, Function: fn, PC: pc, Detail: f.detail}
	}
	return err
}
