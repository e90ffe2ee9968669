// Package bytecode defines the instruction set and container model executed by
// the moca virtual machine, together with the portable MOCA binary format.
//
// The front end of the language produces a Chunk: a set of functions, a main
// function, and a pool of string literals. Everything downstream (the
// verifier, the tiering interpreter, the micro-op lowering and the native
// code generator) consumes Chunks read-only.
//
// # Architecture Overview
//
//   - Opcodes: a one-byte tag per instruction. Tag values are a wire contract
//     and are never renumbered; retired tags stay reserved forever.
//
//   - Op: an instruction value, the opcode plus its immediate operands. The set
//     of opcodes is closed. Every consumer switches over all of them and treats
//     an unknown opcode as a defect, never as a no-op.
//
//   - Chunk and Function: functions carry their name, arity, local slot count,
//     instruction vector and, once verified, an optional stack map keyed by
//     program counter.
//
//   - Codec: Serialize and Deserialize convert a Chunk to and from the MOCA
//     format. Malformed input produces a *BytecodeError, never a panic.
//
// # Value Model
//
// Instructions are typed in the WebAssembly manner: integer and float
// arithmetic come in i32, i64, f32 and f64 flavours and comparisons push an
// i32 0 or 1. Heap values (strings, slot arrays, shaped objects) are
// references; RefNull pushes the null reference.
package bytecode
