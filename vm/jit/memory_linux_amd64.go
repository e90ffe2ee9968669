//go:build linux && amd64

package jit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Supported reports whether compiled code can be executed on this platform.
const Supported = true

func mapExecutable(code []byte) ([]byte, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("mmap exec code: empty")
	}
	page := unix.Getpagesize()
	size := (len(code) + page - 1) &^ (page - 1)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap exec code: %w", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("failed to mprotect exec code: %w", err)
	}
	return mem, nil
}

func unmapExecutable(mem []byte) error {
	return unix.Munmap(mem)
}
