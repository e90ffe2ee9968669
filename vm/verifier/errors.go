package verifier

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidJumpTarget   = errors.New("invalid jump target")
	ErrStackHeightMismatch = errors.New("stack height mismatch")
	ErrStackUnderflow      = errors.New("stack underflow")
	ErrStackOverflow       = errors.New("stack overflow")
	ErrEmptyFunction       = errors.New("empty function")
	ErrMissingReturn       = errors.New("missing return")
	ErrMissingStackMap     = errors.New("missing stack map entry at safepoint")
)

// VerifyError describes why a function was rejected. Kind is one of the Err*
// sentinels; use errors.Is to classify.
type VerifyError struct {
	Kind     error
	Function string
	PC       int

	// Expected and Actual carry heights (mismatch, underflow, overflow) or
	// the offending target (invalid jump).
	Expected int
	Actual   int
}

func (e *VerifyError) Error() string {
	prefix := ""
	if e.Function != "" {
		prefix = e.Function + ": "
	}
	switch e.Kind {
	case ErrInvalidJumpTarget:
		return fmt.Sprintf("%s%v at pc=%d: target=%d is out of bounds", prefix, e.Kind, e.PC, e.Actual)
	case ErrStackHeightMismatch:
		return fmt.Sprintf("%s%v at pc=%d: expected %d, got %d", prefix, e.Kind, e.PC, e.Expected, e.Actual)
	case ErrStackUnderflow:
		return fmt.Sprintf("%s%v at pc=%d: requires %d values, only %d on stack", prefix, e.Kind, e.PC, e.Expected, e.Actual)
	case ErrStackOverflow:
		return fmt.Sprintf("%s%v at pc=%d: height %d exceeds max_stack %d", prefix, e.Kind, e.PC, e.Actual, e.Expected)
	case ErrEmptyFunction:
		return prefix + e.Kind.Error()
	}
	return fmt.Sprintf("%s%v at pc=%d", prefix, e.Kind, e.PC)
}

func (e *VerifyError) Unwrap() error { return e.Kind }
