package jit

import (
	"fmt"
	"runtime"
	"unsafe"
)

// Call runs installed code against the register file at regs, entering at
// byte offset entry (0 for a fresh call, or the offset from a yield). poll
// is read at every backward branch; a non-zero low byte makes the code
// yield.
func (c *Code) Call(regs unsafe.Pointer, poll *uint32, entry int) (Status, error) {
	if c.mem == nil {
		return StatusInternal, ErrNativeUnsupported
	}
	if entry < 0 || entry >= len(c.Bytes) {
		return StatusInternal, fmt.Errorf("%s: entry offset %d out of range", c.Name, entry)
	}
	s := Status(callNative(
		uintptr(unsafe.Pointer(&c.mem[0]))+uintptr(entry),
		uintptr(regs),
		uintptr(unsafe.Pointer(poll)),
	))
	runtime.KeepAlive(c)
	runtime.KeepAlive(regs)
	runtime.KeepAlive(poll)
	return s, nil
}
