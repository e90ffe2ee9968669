package amd64

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func encode(f func(a *Assembler)) []byte {
	a := New()
	f(a)
	code, err := a.Finalize()
	if err != nil {
		panic(err)
	}
	return code
}

func TestEncoding(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *Assembler)
		want []byte
	}{
		{"mov rax, rbx", func(a *Assembler) { a.Mov(RAX, RBX) }, []byte{0x48, 0x89, 0xD8}},
		{"mov r8, rax", func(a *Assembler) { a.Mov(R8, RAX) }, []byte{0x49, 0x89, 0xC0}},
		{"load disp8", func(a *Assembler) { a.Load(RAX, At(RDI, 16)) }, []byte{0x48, 0x8B, 0x47, 0x10}},
		{"load rsp base", func(a *Assembler) { a.Load(RAX, At(RSP, 0)) }, []byte{0x48, 0x8B, 0x04, 0x24}},
		{"load r13 base", func(a *Assembler) { a.Load(RAX, At(R13, 0)) }, []byte{0x49, 0x8B, 0x45, 0x00}},
		{"load r12 disp32", func(a *Assembler) { a.Load(RAX, At(R12, 0x100)) },
			[]byte{0x49, 0x8B, 0x84, 0x24, 0x00, 0x01, 0x00, 0x00}},
		{"load indexed", func(a *Assembler) { a.Load(R9, Indexed(RDI, RSI, 8, 0)) }, []byte{0x4C, 0x8B, 0x0C, 0xF7}},
		{"store", func(a *Assembler) { a.Store(At(RDI, 32), RCX) }, []byte{0x48, 0x89, 0x4F, 0x20}},
		{"mov imm small", func(a *Assembler) { a.MovImm(RAX, 1) }, []byte{0xB8, 0x01, 0x00, 0x00, 0x00}},
		{"mov imm negative", func(a *Assembler) { a.MovImm(RAX, -1) },
			[]byte{0x48, 0xC7, 0xC0, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"mov imm64", func(a *Assembler) { a.MovImm(RCX, 1<<40) },
			[]byte{0x48, 0xB9, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00}},
		{"add", func(a *Assembler) { a.Add(RAX, RCX) }, []byte{0x48, 0x01, 0xC8}},
		{"add imm8", func(a *Assembler) { a.AluImm(ADD, RAX, 1) }, []byte{0x48, 0x83, 0xC0, 0x01}},
		{"cmp imm32", func(a *Assembler) { a.AluImm(CMP, RCX, 1000) },
			[]byte{0x48, 0x81, 0xF9, 0xE8, 0x03, 0x00, 0x00}},
		{"imul", func(a *Assembler) { a.Imul(RAX, RCX) }, []byte{0x48, 0x0F, 0xAF, 0xC1}},
		{"and", func(a *Assembler) { a.And(RAX, RCX) }, []byte{0x48, 0x21, 0xC8}},
		{"xor", func(a *Assembler) { a.Xor(RAX, RCX) }, []byte{0x48, 0x31, 0xC8}},
		{"shl cl", func(a *Assembler) { a.Shl(RAX) }, []byte{0x48, 0xD3, 0xE0}},
		{"shr cl", func(a *Assembler) { a.Shr(RAX) }, []byte{0x48, 0xD3, 0xE8}},
		{"sar cl", func(a *Assembler) { a.Sar(RAX) }, []byte{0x48, 0xD3, 0xF8}},
		{"sar r9 cl", func(a *Assembler) { a.Sar(R9) }, []byte{0x49, 0xD3, 0xF9}},
		{"cqo idiv", func(a *Assembler) { a.Cqo(); a.Idiv(RCX) }, []byte{0x48, 0x99, 0x48, 0xF7, 0xF9}},
		{"sete al", func(a *Assembler) { a.Setcc(CondE, RAX) }, []byte{0x0F, 0x94, 0xC0}},
		{"setl sil", func(a *Assembler) { a.Setcc(CondL, RSI) }, []byte{0x40, 0x0F, 0x9C, 0xC6}},
		{"movzx", func(a *Assembler) { a.Movzx8(RAX, RAX) }, []byte{0x0F, 0xB6, 0xC0}},
		{"addsd", func(a *Assembler) { a.Addsd(X0, X1) }, []byte{0xF2, 0x0F, 0x58, 0xC1}},
		{"addsd x8", func(a *Assembler) { a.Addsd(X8, X1) }, []byte{0xF2, 0x44, 0x0F, 0x58, 0xC1}},
		{"movsd load", func(a *Assembler) { a.MovsdLoad(X0, At(RDI, 8)) }, []byte{0xF2, 0x0F, 0x10, 0x47, 0x08}},
		{"ucomisd", func(a *Assembler) { a.Ucomisd(X0, X1) }, []byte{0x66, 0x0F, 0x2E, 0xC1}},
		{"cvtsi2sd", func(a *Assembler) { a.Cvtsi2sd(X0, RAX) }, []byte{0xF2, 0x48, 0x0F, 0x2A, 0xC0}},
		{"cvttsd2si", func(a *Assembler) { a.Cvttsd2si(RAX, X0) }, []byte{0xF2, 0x48, 0x0F, 0x2C, 0xC0}},
		{"movq to xmm", func(a *Assembler) { a.MovqToX(X0, RAX) }, []byte{0x66, 0x48, 0x0F, 0x6E, 0xC0}},
		{"movq from xmm", func(a *Assembler) { a.MovqFromX(RAX, X1) }, []byte{0x66, 0x48, 0x0F, 0x7E, 0xC8}},
		{"push pop", func(a *Assembler) { a.Push(R12); a.Pop(RBX) }, []byte{0x41, 0x54, 0x5B}},
		{"indirect", func(a *Assembler) { a.JmpReg(RAX); a.CallReg(R11) }, []byte{0xFF, 0xE0, 0x41, 0xFF, 0xD3}},
		{"ret", func(a *Assembler) { a.Ret() }, []byte{0xC3}},
		{"cmp byte mem", func(a *Assembler) { a.CmpMem8(At(RDI, 24), 2) }, []byte{0x80, 0x7F, 0x18, 0x02}},
		{"movsxd", func(a *Assembler) { a.Movsxd(RAX, At(RDI, 0)) }, []byte{0x48, 0x63, 0x07}},
		{"store8", func(a *Assembler) { a.Store8(At(RDI, 8), RCX) }, []byte{0x88, 0x4F, 0x08}},
		{"movzx load", func(a *Assembler) { a.Movzx8Load(RAX, At(RDI, 8)) }, []byte{0x0F, 0xB6, 0x47, 0x08}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := encode(tt.emit)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got % x, want % x", got, tt.want)
			}
		})
	}
}

func TestLabels(t *testing.T) {
	a := New()
	top := a.NewLabel()
	done := a.NewLabel()
	a.Bind(top)
	a.Jcc(CondE, done) // 0: 0f 84 rel32
	a.Jmp(top)         // 6: e9 rel32
	a.Bind(done)       // 11
	a.Ret()

	code, err := a.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x0F, 0x84, 0x05, 0x00, 0x00, 0x00,
		0xE9, 0xF5, 0xFF, 0xFF, 0xFF,
		0xC3,
	}
	if !bytes.Equal(code, want) {
		t.Errorf("got % x, want % x", code, want)
	}
	if off, ok := a.Bound(done); !ok || off != 11 {
		t.Errorf("done bound at %d, %v", off, ok)
	}
}

func TestUnboundLabel(t *testing.T) {
	a := New()
	a.Jmp(a.NewLabel())
	if _, err := a.Finalize(); !errors.Is(err, ErrUnboundLabel) {
		t.Errorf("got %v, want ErrUnboundLabel", err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		emit func(a *Assembler)
		op   x86asm.Op
	}{
		{func(a *Assembler) { a.Mov(R10, R11) }, x86asm.MOV},
		{func(a *Assembler) { a.Load(R11, At(RDI, -48)) }, x86asm.MOV},
		{func(a *Assembler) { a.Imul32(RDX, R9) }, x86asm.IMUL},
		{func(a *Assembler) { a.Sub(R8, RAX) }, x86asm.SUB},
		{func(a *Assembler) { a.Or(R8, R12) }, x86asm.OR},
		{func(a *Assembler) { a.Shl(R11) }, x86asm.SHL},
		{func(a *Assembler) { a.Shr(RDX) }, x86asm.SHR},
		{func(a *Assembler) { a.Sar(RAX) }, x86asm.SAR},
		{func(a *Assembler) { a.Mulsd(X9, X10) }, x86asm.MULSD},
		{func(a *Assembler) { a.Divss(X1, X2) }, x86asm.DIVSS},
		{func(a *Assembler) { a.Ucomiss(X3, X4) }, x86asm.UCOMISS},
		{func(a *Assembler) { a.Cvttss2si32(RCX, X5) }, x86asm.CVTTSS2SI},
		{func(a *Assembler) { a.Cvtsd2ss(X0, X1) }, x86asm.CVTSD2SS},
		{func(a *Assembler) { a.Xorpd(X0, X0) }, x86asm.XORPD},
		{func(a *Assembler) { a.Setcc(CondNP, RDX) }, x86asm.SETNP},
		{func(a *Assembler) { a.StoreImm8(At(RDI, 8), 2) }, x86asm.MOV},
	}
	for _, tt := range tests {
		code := encode(tt.emit)
		inst, err := Decode(code)
		if err != nil {
			t.Errorf("% x: %v", code, err)
			continue
		}
		if inst.Len != len(code) || inst.Op != tt.op {
			t.Errorf("% x decoded as %v (len %d)", code, inst, inst.Len)
		}
	}
}

func TestDisassemble(t *testing.T) {
	code := encode(func(a *Assembler) {
		a.Mov(RAX, RBX)
		a.Ret()
	})
	out := Disassemble(code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("got:\n%s", out)
	}
	if !strings.HasPrefix(lines[0], "0x0000: 48 89 d8") || !strings.Contains(lines[0], "mov rax, rbx") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "0x0003: c3") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestCondInvert(t *testing.T) {
	pairs := [][2]Cond{{CondE, CondNE}, {CondL, CondGE}, {CondA, CondBE}, {CondP, CondNP}}
	for _, p := range pairs {
		if p[0].Invert() != p[1] || p[1].Invert() != p[0] {
			t.Errorf("%v <-> %v", p[0], p[1])
		}
	}
}
