package vm

import (
	"io"
	"time"
)

// HostFunc implements a Syscall number. It runs on the calling bytecode
// thread with the world lock held, so it must not block for long.
type HostFunc func(vm *VM, args []Value) (Value, error)

// Built-in host functions.
const (
	// HostWrite is write(fd, value): it formats value to fd 1 (Stdout) or
	// fd 2 (Stderr) and returns the number of bytes written as an i64.
	HostWrite uint32 = 1
	// HostClock returns monotonic nanoseconds since the VM was created.
	HostClock uint32 = 2
)

// RegisterHost installs fn as Syscall num, replacing any previous function.
func (vm *VM) RegisterHost(num uint32, fn HostFunc) {
	vm.hostMu.Lock()
	vm.hosts[num] = fn
	vm.hostMu.Unlock()
}

func (vm *VM) registerBuiltinHosts() {
	vm.RegisterHost(HostWrite, hostWrite)
	vm.RegisterHost(HostClock, hostClock)
}

func (vm *VM) callHost(num uint32, args []Value) (Value, error) {
	vm.hostMu.RLock()
	fn, ok := vm.hosts[num]
	vm.hostMu.RUnlock()
	if !ok {
		return Null, faultf(ErrUndefinedHost, "syscall %d", num)
	}
	return fn(vm, args)
}

func hostWrite(vm *VM, args []Value) (Value, error) {
	if len(args) != 2 {
		return Null, typeErrorf("write expects 2 arguments, got %d", len(args))
	}
	fd, ok := args[0].AsInt()
	if !ok {
		return Null, typeErrorf("write expects an integer fd, got %s", args[0].Kind)
	}
	var w io.Writer
	switch fd {
	case 1:
		w = vm.Stdout
	case 2:
		w = vm.Stderr
	default:
		return Null, typeErrorf("write to unsupported fd %d", fd)
	}
	vm.outMu.Lock()
	n, err := io.WriteString(w, vm.Format(args[1]))
	vm.outMu.Unlock()
	if err != nil {
		return I64(-1), nil
	}
	return I64(int64(n)), nil
}

func hostClock(vm *VM, args []Value) (Value, error) {
	return I64(time.Since(vm.start).Nanoseconds()), nil
}
