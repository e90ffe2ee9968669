package amd64

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders code as one instruction per line, Intel syntax, with
// offsets and raw bytes. Undecodable bytes are shown as db.
func Disassemble(code []byte) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil || inst.Len == 0 {
			fmt.Fprintf(&sb, "0x%04x: db 0x%02x\n", offset, code[offset])
			offset++
			continue
		}
		hexBytes := make([]string, inst.Len)
		for i := range hexBytes {
			hexBytes[i] = fmt.Sprintf("%02x", code[offset+i])
		}
		fmt.Fprintf(&sb, "0x%04x: %-24s %s\n", offset, strings.Join(hexBytes, " "), x86asm.IntelSyntax(inst, uint64(offset), nil))
		offset += inst.Len
	}
	return sb.String()
}

// Decode decodes the instruction at the start of code.
func Decode(code []byte) (x86asm.Inst, error) {
	return x86asm.Decode(code, 64)
}
