package amd64

// Scalar SSE2 instructions. The mandatory prefix (66, F2 or F3) always
// precedes REX.

const (
	pfxSD byte = 0xF2
	pfxSS byte = 0xF3
	pfx66 byte = 0x66
)

// MovsdLoad emits MOVSD x, qword [m].
func (a *Assembler) MovsdLoad(x XReg, m Mem) { a.opRM(pfxSD, false, []byte{0x0F, 0x10}, byte(x), m) }

// MovsdStore emits MOVSD qword [m], x.
func (a *Assembler) MovsdStore(m Mem, x XReg) { a.opRM(pfxSD, false, []byte{0x0F, 0x11}, byte(x), m) }

// MovssLoad emits MOVSS x, dword [m].
func (a *Assembler) MovssLoad(x XReg, m Mem) { a.opRM(pfxSS, false, []byte{0x0F, 0x10}, byte(x), m) }

// MovssStore emits MOVSS dword [m], x.
func (a *Assembler) MovssStore(m Mem, x XReg) { a.opRM(pfxSS, false, []byte{0x0F, 0x11}, byte(x), m) }

// Movsd emits MOVSD dst, src (register form).
func (a *Assembler) Movsd(dst, src XReg) {
	a.opRR(pfxSD, false, []byte{0x0F, 0x10}, byte(dst), byte(src), false)
}

func (a *Assembler) sse(pfx, op byte, dst, src XReg) {
	a.opRR(pfx, false, []byte{0x0F, op}, byte(dst), byte(src), false)
}

func (a *Assembler) Addsd(dst, src XReg) { a.sse(pfxSD, 0x58, dst, src) }
func (a *Assembler) Subsd(dst, src XReg) { a.sse(pfxSD, 0x5C, dst, src) }
func (a *Assembler) Mulsd(dst, src XReg) { a.sse(pfxSD, 0x59, dst, src) }
func (a *Assembler) Divsd(dst, src XReg) { a.sse(pfxSD, 0x5E, dst, src) }
func (a *Assembler) Addss(dst, src XReg) { a.sse(pfxSS, 0x58, dst, src) }
func (a *Assembler) Subss(dst, src XReg) { a.sse(pfxSS, 0x5C, dst, src) }
func (a *Assembler) Mulss(dst, src XReg) { a.sse(pfxSS, 0x59, dst, src) }
func (a *Assembler) Divss(dst, src XReg) { a.sse(pfxSS, 0x5E, dst, src) }

// Ucomisd compares x with y and sets ZF, PF and CF. PF=1 means unordered.
func (a *Assembler) Ucomisd(x, y XReg) { a.sse(pfx66, 0x2E, x, y) }

// Ucomiss is the single-precision form of Ucomisd.
func (a *Assembler) Ucomiss(x, y XReg) { a.sse(0, 0x2E, x, y) }

// Xorpd emits XORPD dst, src.
func (a *Assembler) Xorpd(dst, src XReg) { a.sse(pfx66, 0x57, dst, src) }

// Cvtsd2ss narrows a double to a single.
func (a *Assembler) Cvtsd2ss(dst, src XReg) { a.sse(pfxSD, 0x5A, dst, src) }

// Cvtss2sd widens a single to a double.
func (a *Assembler) Cvtss2sd(dst, src XReg) { a.sse(pfxSS, 0x5A, dst, src) }

// Cvtsi2sd converts a signed 64-bit integer to double.
func (a *Assembler) Cvtsi2sd(dst XReg, src Reg) {
	a.opRR(pfxSD, true, []byte{0x0F, 0x2A}, byte(dst), byte(src), false)
}

// Cvtsi2sd32 converts a signed 32-bit integer to double.
func (a *Assembler) Cvtsi2sd32(dst XReg, src Reg) {
	a.opRR(pfxSD, false, []byte{0x0F, 0x2A}, byte(dst), byte(src), false)
}

// Cvtsi2ss converts a signed 64-bit integer to single.
func (a *Assembler) Cvtsi2ss(dst XReg, src Reg) {
	a.opRR(pfxSS, true, []byte{0x0F, 0x2A}, byte(dst), byte(src), false)
}

// Cvtsi2ss32 converts a signed 32-bit integer to single.
func (a *Assembler) Cvtsi2ss32(dst XReg, src Reg) {
	a.opRR(pfxSS, false, []byte{0x0F, 0x2A}, byte(dst), byte(src), false)
}

// Cvttsd2si truncates a double to a signed 64-bit integer. NaN and
// out-of-range inputs produce 0x8000000000000000.
func (a *Assembler) Cvttsd2si(dst Reg, src XReg) {
	a.opRR(pfxSD, true, []byte{0x0F, 0x2C}, byte(dst), byte(src), false)
}

// Cvttsd2si32 truncates a double to a signed 32-bit integer.
func (a *Assembler) Cvttsd2si32(dst Reg, src XReg) {
	a.opRR(pfxSD, false, []byte{0x0F, 0x2C}, byte(dst), byte(src), false)
}

// Cvttss2si truncates a single to a signed 64-bit integer.
func (a *Assembler) Cvttss2si(dst Reg, src XReg) {
	a.opRR(pfxSS, true, []byte{0x0F, 0x2C}, byte(dst), byte(src), false)
}

// Cvttss2si32 truncates a single to a signed 32-bit integer.
func (a *Assembler) Cvttss2si32(dst Reg, src XReg) {
	a.opRR(pfxSS, false, []byte{0x0F, 0x2C}, byte(dst), byte(src), false)
}

// MovqToX emits MOVQ x, r.
func (a *Assembler) MovqToX(dst XReg, src Reg) {
	a.opRR(pfx66, true, []byte{0x0F, 0x6E}, byte(dst), byte(src), false)
}

// MovqFromX emits MOVQ r, x.
func (a *Assembler) MovqFromX(dst Reg, src XReg) {
	a.opRR(pfx66, true, []byte{0x0F, 0x7E}, byte(src), byte(dst), false)
}

// MovdToX emits MOVD x, r32.
func (a *Assembler) MovdToX(dst XReg, src Reg) {
	a.opRR(pfx66, false, []byte{0x0F, 0x6E}, byte(dst), byte(src), false)
}

// MovdFromX emits MOVD r32, x.
func (a *Assembler) MovdFromX(dst Reg, src XReg) {
	a.opRR(pfx66, false, []byte{0x0F, 0x7E}, byte(src), byte(dst), false)
}
