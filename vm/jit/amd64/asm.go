package amd64

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnboundLabel is returned by Finalize when a jump refers to a label that
// was never bound.
var ErrUnboundLabel = errors.New("amd64: unbound label")

// Label marks a code position that jumps may refer to before it is known.
type Label int

type fixup struct {
	pos   int // offset of the rel32 field
	label Label
}

// Assembler accumulates machine code.
type Assembler struct {
	buf    []byte
	labels []int // bound offset, or -1
	fixups []fixup
}

// New returns an empty assembler.
func New() *Assembler {
	return &Assembler{buf: make([]byte, 0, 256)}
}

// Len returns the number of bytes emitted so far; it is the offset of the
// next instruction.
func (a *Assembler) Len() int { return len(a.buf) }

// Bytes returns the code emitted so far without resolving labels.
func (a *Assembler) Bytes() []byte { return a.buf }

// NewLabel allocates an unbound label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Bind attaches l to the current position.
func (a *Assembler) Bind(l Label) {
	a.labels[l] = len(a.buf)
}

// Bound reports whether l has been bound, and where.
func (a *Assembler) Bound(l Label) (int, bool) {
	off := a.labels[l]
	return off, off >= 0
}

// Finalize patches every rel32 reference and returns the finished code.
func (a *Assembler) Finalize() ([]byte, error) {
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target < 0 {
			return nil, fmt.Errorf("%w: label %d referenced at offset %d", ErrUnboundLabel, f.label, f.pos)
		}
		rel := int32(target - (f.pos + 4))
		binary.LittleEndian.PutUint32(a.buf[f.pos:], uint32(rel))
	}
	return a.buf, nil
}

// ---------------------------------------------------------------------------
// Encoding primitives
// ---------------------------------------------------------------------------

func (a *Assembler) emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *Assembler) emit32(v uint32) { a.buf = binary.LittleEndian.AppendUint32(a.buf, v) }

func (a *Assembler) emit64(v uint64) { a.buf = binary.LittleEndian.AppendUint64(a.buf, v) }

func fitsInt8(v int64) bool  { return v >= -128 && v <= 127 }
func fitsInt32(v int64) bool { return v >= -1<<31 && v <= 1<<31-1 }

// rex emits a REX prefix when any bit is needed or force is set. reg, index
// and base are full 4-bit register numbers.
func (a *Assembler) rex(w bool, reg, index, base byte, force bool) {
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	if reg&8 != 0 {
		b |= 0x04
	}
	if index&8 != 0 {
		b |= 0x02
	}
	if base&8 != 0 {
		b |= 0x01
	}
	if b != 0x40 || force {
		a.emit(b)
	}
}

// opRR emits [pfx] [REX] op ModRM(11, reg, rm). A zero pfx is omitted.
// force requests a REX prefix even when empty, needed to address the low
// bytes of RSP, RBP, RSI and RDI.
func (a *Assembler) opRR(pfx byte, w bool, op []byte, reg, rm byte, force bool) {
	if pfx != 0 {
		a.emit(pfx)
	}
	a.rex(w, reg, 0, rm, force)
	a.emit(op...)
	a.emit(0xC0 | (reg&7)<<3 | rm&7)
}

// opRM emits [pfx] [REX] op ModRM [SIB] [disp] for a memory operand.
func (a *Assembler) opRM(pfx byte, w bool, op []byte, reg byte, m Mem) {
	a.opRMForce(pfx, w, op, reg, m, false)
}

func (a *Assembler) opRMForce(pfx byte, w bool, op []byte, reg byte, m Mem, force bool) {
	if m.HasIndex && m.Index == RSP {
		panic("amd64: rsp cannot be an index register")
	}
	if pfx != 0 {
		a.emit(pfx)
	}
	var index byte
	if m.HasIndex {
		index = byte(m.Index)
	}
	a.rex(w, reg, index, byte(m.Base), force)
	a.emit(op...)

	base := m.Base.low3()
	var mod byte
	switch {
	case m.Disp == 0 && base != 5: // RBP and R13 always take a displacement
		mod = 0
	case fitsInt8(int64(m.Disp)):
		mod = 1
	default:
		mod = 2
	}

	r := (reg & 7) << 3
	switch {
	case m.HasIndex:
		a.emit(mod<<6|r|4, scaleBits(m.Scale)<<6|m.Index.low3()<<3|base)
	case base == 4: // RSP and R12 need a SIB byte
		a.emit(mod<<6|r|4, 0x24)
	default:
		a.emit(mod<<6 | r | base)
	}

	switch mod {
	case 1:
		a.emit(byte(int8(m.Disp)))
	case 2:
		a.emit32(uint32(m.Disp))
	}
}

func scaleBits(s uint8) byte {
	switch s {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 0
}

// ---------------------------------------------------------------------------
// Data movement
// ---------------------------------------------------------------------------

// Mov emits MOV dst, src (64-bit).
func (a *Assembler) Mov(dst, src Reg) {
	a.opRR(0, true, []byte{0x89}, byte(src), byte(dst), false)
}

// Mov32 emits MOV dst, src (32-bit, zero-extending).
func (a *Assembler) Mov32(dst, src Reg) {
	a.opRR(0, false, []byte{0x89}, byte(src), byte(dst), false)
}

// MovImm loads a 64-bit immediate using the shortest encoding: MOV r32,
// imm32 for values that zero-extend, MOV r/m64, imm32 for values that
// sign-extend, MOV r64, imm64 otherwise.
func (a *Assembler) MovImm(dst Reg, imm int64) {
	switch {
	case imm >= 0 && imm <= 1<<32-1:
		a.MovImm32(dst, uint32(imm))
	case fitsInt32(imm):
		a.rex(true, 0, 0, byte(dst), false)
		a.emit(0xC7, 0xC0|dst.low3())
		a.emit32(uint32(int32(imm)))
	default:
		a.rex(true, 0, 0, byte(dst), false)
		a.emit(0xB8 | dst.low3())
		a.emit64(uint64(imm))
	}
}

// MovImm32 emits MOV r32, imm32, which clears the upper half of dst.
func (a *Assembler) MovImm32(dst Reg, imm uint32) {
	a.rex(false, 0, 0, byte(dst), false)
	a.emit(0xB8 | dst.low3())
	a.emit32(imm)
}

// Load emits MOV dst, qword [m].
func (a *Assembler) Load(dst Reg, m Mem) {
	a.opRM(0, true, []byte{0x8B}, byte(dst), m)
}

// Load32 emits MOV dst32, dword [m].
func (a *Assembler) Load32(dst Reg, m Mem) {
	a.opRM(0, false, []byte{0x8B}, byte(dst), m)
}

// Store emits MOV qword [m], src.
func (a *Assembler) Store(m Mem, src Reg) {
	a.opRM(0, true, []byte{0x89}, byte(src), m)
}

// Store32 emits MOV dword [m], src32.
func (a *Assembler) Store32(m Mem, src Reg) {
	a.opRM(0, false, []byte{0x89}, byte(src), m)
}

// StoreImm emits MOV qword [m], imm32 (sign-extended).
func (a *Assembler) StoreImm(m Mem, imm int32) {
	a.opRM(0, true, []byte{0xC7}, 0, m)
	a.emit32(uint32(imm))
}

// StoreImm8 emits MOV byte [m], imm8.
func (a *Assembler) StoreImm8(m Mem, imm byte) {
	a.opRM(0, false, []byte{0xC6}, 0, m)
	a.emit(imm)
}

// Movzx8 emits MOVZX dst32, src8.
func (a *Assembler) Movzx8(dst, src Reg) {
	a.opRR(0, false, []byte{0x0F, 0xB6}, byte(dst), byte(src), src >= RSP && src <= RDI)
}

// Movzx8Load emits MOVZX dst32, byte [m].
func (a *Assembler) Movzx8Load(dst Reg, m Mem) {
	a.opRM(0, false, []byte{0x0F, 0xB6}, byte(dst), m)
}

// Movsxd emits MOVSXD dst, dword [m].
func (a *Assembler) Movsxd(dst Reg, m Mem) {
	a.opRM(0, true, []byte{0x63}, byte(dst), m)
}

// Store8 emits MOV byte [m], src8.
func (a *Assembler) Store8(m Mem, src Reg) {
	a.opRMForce(0, false, []byte{0x88}, byte(src), m, src >= RSP && src <= RDI)
}

// CmpMem8 emits CMP byte [m], imm8.
func (a *Assembler) CmpMem8(m Mem, imm byte) {
	a.opRM(0, false, []byte{0x80}, 7, m)
	a.emit(imm)
}

// Lea emits LEA dst, [m].
func (a *Assembler) Lea(dst Reg, m Mem) {
	a.opRM(0, true, []byte{0x8D}, byte(dst), m)
}

// ---------------------------------------------------------------------------
// Integer arithmetic
// ---------------------------------------------------------------------------

// AluOp selects one of the classic two-operand integer instructions. The
// value is the /digit used by the immediate forms.
type AluOp byte

const (
	ADD AluOp = 0
	OR  AluOp = 1
	AND AluOp = 4
	SUB AluOp = 5
	XOR AluOp = 6
	CMP AluOp = 7
)

// Alu emits op dst, src (64-bit).
func (a *Assembler) Alu(op AluOp, dst, src Reg) {
	a.opRR(0, true, []byte{byte(op)<<3 | 1}, byte(src), byte(dst), false)
}

// Alu32 emits op dst32, src32.
func (a *Assembler) Alu32(op AluOp, dst, src Reg) {
	a.opRR(0, false, []byte{byte(op)<<3 | 1}, byte(src), byte(dst), false)
}

// AluImm emits op dst, imm (64-bit, sign-extended immediate).
func (a *Assembler) AluImm(op AluOp, dst Reg, imm int32) {
	a.aluImm(true, op, dst, imm)
}

// AluImm32 emits op dst32, imm32.
func (a *Assembler) AluImm32(op AluOp, dst Reg, imm int32) {
	a.aluImm(false, op, dst, imm)
}

func (a *Assembler) aluImm(w bool, op AluOp, dst Reg, imm int32) {
	if fitsInt8(int64(imm)) {
		a.opRR(0, w, []byte{0x83}, byte(op), byte(dst), false)
		a.emit(byte(int8(imm)))
		return
	}
	a.opRR(0, w, []byte{0x81}, byte(op), byte(dst), false)
	a.emit32(uint32(imm))
}

func (a *Assembler) Add(dst, src Reg)   { a.Alu(ADD, dst, src) }
func (a *Assembler) Sub(dst, src Reg)   { a.Alu(SUB, dst, src) }
func (a *Assembler) And(dst, src Reg)   { a.Alu(AND, dst, src) }
func (a *Assembler) Or(dst, src Reg)    { a.Alu(OR, dst, src) }
func (a *Assembler) Xor(dst, src Reg)   { a.Alu(XOR, dst, src) }
func (a *Assembler) Cmp(dst, src Reg)   { a.Alu(CMP, dst, src) }
func (a *Assembler) Add32(dst, src Reg) { a.Alu32(ADD, dst, src) }
func (a *Assembler) Sub32(dst, src Reg) { a.Alu32(SUB, dst, src) }
func (a *Assembler) Xor32(dst, src Reg) { a.Alu32(XOR, dst, src) }
func (a *Assembler) Cmp32(dst, src Reg) { a.Alu32(CMP, dst, src) }

// Test emits TEST a, b (64-bit).
func (a *Assembler) Test(x, y Reg) {
	a.opRR(0, true, []byte{0x85}, byte(y), byte(x), false)
}

// Test32 emits TEST a32, b32.
func (a *Assembler) Test32(x, y Reg) {
	a.opRR(0, false, []byte{0x85}, byte(y), byte(x), false)
}

// Imul emits IMUL dst, src (64-bit, truncating).
func (a *Assembler) Imul(dst, src Reg) {
	a.opRR(0, true, []byte{0x0F, 0xAF}, byte(dst), byte(src), false)
}

// Imul32 emits IMUL dst32, src32.
func (a *Assembler) Imul32(dst, src Reg) {
	a.opRR(0, false, []byte{0x0F, 0xAF}, byte(dst), byte(src), false)
}

// Neg emits NEG r (64-bit).
func (a *Assembler) Neg(r Reg) {
	a.opRR(0, true, []byte{0xF7}, 3, byte(r), false)
}

// Neg32 emits NEG r32.
func (a *Assembler) Neg32(r Reg) {
	a.opRR(0, false, []byte{0xF7}, 3, byte(r), false)
}

// Shl emits SHL r, CL (64-bit).
func (a *Assembler) Shl(r Reg) { a.opRR(0, true, []byte{0xD3}, 4, byte(r), false) }

// Shr emits SHR r, CL (64-bit, logical).
func (a *Assembler) Shr(r Reg) { a.opRR(0, true, []byte{0xD3}, 5, byte(r), false) }

// Sar emits SAR r, CL (64-bit, arithmetic).
func (a *Assembler) Sar(r Reg) { a.opRR(0, true, []byte{0xD3}, 7, byte(r), false) }

// Cqo sign-extends RAX into RDX:RAX.
func (a *Assembler) Cqo() { a.emit(0x48, 0x99) }

// Cdq sign-extends EAX into EDX:EAX.
func (a *Assembler) Cdq() { a.emit(0x99) }

// Idiv emits IDIV r: RAX = RDX:RAX / r, RDX = remainder.
func (a *Assembler) Idiv(r Reg) {
	a.opRR(0, true, []byte{0xF7}, 7, byte(r), false)
}

// Idiv32 emits IDIV r32.
func (a *Assembler) Idiv32(r Reg) {
	a.opRR(0, false, []byte{0xF7}, 7, byte(r), false)
}

// Setcc emits SETcc r8.
func (a *Assembler) Setcc(cc Cond, r Reg) {
	a.opRR(0, false, []byte{0x0F, 0x90 | byte(cc)}, 0, byte(r), r >= RSP && r <= RDI)
}

// ---------------------------------------------------------------------------
// Control transfer
// ---------------------------------------------------------------------------

func (a *Assembler) rel32(l Label) {
	a.fixups = append(a.fixups, fixup{pos: len(a.buf), label: l})
	a.emit32(0)
}

// Jmp emits JMP rel32 to l.
func (a *Assembler) Jmp(l Label) {
	a.emit(0xE9)
	a.rel32(l)
}

// Jcc emits Jcc rel32 to l.
func (a *Assembler) Jcc(cc Cond, l Label) {
	a.emit(0x0F, 0x80|byte(cc))
	a.rel32(l)
}

// Call emits CALL rel32 to l.
func (a *Assembler) Call(l Label) {
	a.emit(0xE8)
	a.rel32(l)
}

// JmpReg emits JMP r.
func (a *Assembler) JmpReg(r Reg) {
	a.opRR(0, false, []byte{0xFF}, 4, byte(r), false)
}

// CallReg emits CALL r.
func (a *Assembler) CallReg(r Reg) {
	a.opRR(0, false, []byte{0xFF}, 2, byte(r), false)
}

// Ret emits RET.
func (a *Assembler) Ret() { a.emit(0xC3) }

// Push emits PUSH r.
func (a *Assembler) Push(r Reg) {
	a.rex(false, 0, 0, byte(r), false)
	a.emit(0x50 | r.low3())
}

// Pop emits POP r.
func (a *Assembler) Pop(r Reg) {
	a.rex(false, 0, 0, byte(r), false)
	a.emit(0x58 | r.low3())
}

// Int3 emits a breakpoint.
func (a *Assembler) Int3() { a.emit(0xCC) }
