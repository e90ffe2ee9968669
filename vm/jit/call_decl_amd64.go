package jit

// callNative enters machine code at entry with RDI = regs and RSI = poll
// and returns RAX.
//
//go:noescape
func callNative(entry, regs, poll uintptr) int64
