//go:build !(linux && amd64)

package jit

// Supported reports whether compiled code can be executed on this platform.
const Supported = false

func mapExecutable(code []byte) ([]byte, error) {
	return nil, ErrNativeUnsupported
}

func unmapExecutable(mem []byte) error { return nil }
