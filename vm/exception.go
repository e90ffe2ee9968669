package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Exception handling
// ---------------------------------------------------------------------------

// throw starts unwinding with v as the exception value.
func (t *thread) throw(v Value) error {
	t.inFlight = v
	return &Thrown{Value: v, Text: t.vm.Format(v)}
}

// raise throws a string exception built from format. Failures the language
// can recover from, such as sending on a closed channel, are raised this way.
func (t *thread) raise(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	v, err := t.vm.newString(msg)
	if err != nil {
		return err
	}
	return t.throw(v)
}

// catch transfers control to the innermost handler of fr if err is a thrown
// exception. It restores the operand stack to the height at TryBegin, pushes
// the exception value and reports whether execution continues in fr.
// Runtime errors are never caught.
func (t *thread) catch(fr *frame, err error) bool {
	if len(fr.handlers) == 0 {
		return false
	}
	var thrown *Thrown
	if !errors.As(err, &thrown) {
		return false
	}
	h := fr.handlers[len(fr.handlers)-1]
	fr.handlers = fr.handlers[:len(fr.handlers)-1]

	if len(fr.stack) > h.height {
		fr.stack = fr.stack[:h.height]
	}
	for len(fr.stack) < h.height {
		fr.stack = append(fr.stack, Null)
	}
	fr.push(thrown.Value)
	fr.pc = h.target
	t.inFlight = Null
	return true
}
