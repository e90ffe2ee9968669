//go:build !amd64

package jit

func callNative(entry, regs, poll uintptr) int64 { return int64(StatusInternal) }
