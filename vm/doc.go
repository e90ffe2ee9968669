// Package vm implements the MOCA execution core.
//
// This package contains:
//   - Tagged 16-byte values shared with native code
//   - The managed heap, shapes and the collector driver
//   - The bytecode interpreter and the quickened micro-op executor
//   - Tier promotion and native code execution
//   - Exceptions, host functions, threads and channels
//   - Opcode profiling and tier profile persistence
package vm
