package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/chazu/moca/pkg/stackmap"
)

// FormatVersion is the current MOCA format version. A file with any other
// version is rejected; there is no migration.
const FormatVersion uint32 = 1

// Magic is the four-byte file signature.
var Magic = [4]byte{'M', 'O', 'C', 'A'}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic       = errors.New("invalid magic number: expected MOCA")
	ErrUnsupportedVersion = errors.New("unsupported bytecode version")
	ErrUnexpectedEOF      = errors.New("unexpected end of bytecode data")
	ErrInvalidOpcode      = errors.New("invalid opcode")
	ErrIO                 = errors.New("bytecode I/O error")
	ErrInvalidUTF8        = errors.New("invalid UTF-8 in string")
)

// BytecodeError is returned for every load-time defect. Kind is one of the
// Err* sentinels above, so callers can test with errors.Is.
type BytecodeError struct {
	Kind   error
	Offset int    // byte offset where decoding failed
	Value  uint32 // offending version or opcode, when relevant
	Err    error  // underlying I/O error, if any
}

func (e *BytecodeError) Error() string {
	switch e.Kind {
	case ErrUnsupportedVersion:
		return fmt.Sprintf("%v: got %d, want %d", e.Kind, e.Value, FormatVersion)
	case ErrInvalidOpcode:
		return fmt.Sprintf("%v: tag %d at offset %d", e.Kind, e.Value, e.Offset)
	case ErrIO:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v at offset %d", e.Kind, e.Offset)
}

func (e *BytecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Serialize encodes a chunk in the MOCA format:
//
//	+--------+---------+-------------+-----------+------+-------+
//	| "MOCA" | version | string pool | functions | main | debug |
//	|  4B    |  u32    | u32 n, str* | u32 n, fn*|  fn  |  u8   |
//	+--------+---------+-------------+-----------+------+-------+
//
// All integers are little-endian and strings are u32-length-prefixed UTF-8.
// A function is: name, u32 arity, u32 locals_count, u32 instruction count,
// instructions (u8 tag + fixed operands), u8 stack map flag and, when the
// flag is set, u32 entry count followed by entries of u32 pc, u16 height,
// u64 stack bits, u64 local bits.
func Serialize(c *Chunk) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, Magic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, FormatVersion)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Strings)))
	for _, s := range c.Strings {
		buf = appendString(buf, s)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c.Functions)))
	for _, fn := range c.Functions {
		buf = appendFunction(buf, fn)
	}

	main := c.Main
	if main == nil {
		main = &Function{Name: "main"}
	}
	buf = appendFunction(buf, main)

	// Debug info is never written.
	buf = append(buf, 0)
	return buf
}

// Encode writes the serialized chunk to w.
func Encode(w io.Writer, c *Chunk) error {
	if _, err := w.Write(Serialize(c)); err != nil {
		return &BytecodeError{Kind: ErrIO, Err: err}
	}
	return nil
}

// SaveFile writes the serialized chunk to path.
func SaveFile(path string, c *Chunk) error {
	if err := os.WriteFile(path, Serialize(c), 0644); err != nil {
		return &BytecodeError{Kind: ErrIO, Err: err}
	}
	return nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendFunction(buf []byte, fn *Function) []byte {
	buf = appendString(buf, fn.Name)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fn.Arity))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fn.LocalsCount))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(fn.Code)))
	for _, op := range fn.Code {
		buf = appendOp(buf, op)
	}

	if fn.StackMap == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	entries := fn.StackMap.Entries()
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, e.PC)
		buf = binary.LittleEndian.AppendUint16(buf, e.StackHeight)
		buf = binary.LittleEndian.AppendUint64(buf, e.StackRefs.Bits())
		buf = binary.LittleEndian.AppendUint64(buf, e.LocalRefs.Bits())
	}
	return buf
}

func appendOp(buf []byte, op Op) []byte {
	buf = append(buf, byte(op.Code))
	switch op.Code.Operands() {
	case OperandI32, OperandF32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(op.Imm))
	case OperandI64, OperandF64:
		buf = binary.LittleEndian.AppendUint64(buf, op.Imm)
	case OperandU32:
		buf = binary.LittleEndian.AppendUint32(buf, op.A)
	case OperandU32Pair:
		buf = binary.LittleEndian.AppendUint32(buf, op.A)
		buf = binary.LittleEndian.AppendUint32(buf, op.B)
	}
	return buf
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Deserialize decodes a MOCA chunk. Malformed input yields a *BytecodeError.
func Deserialize(data []byte) (*Chunk, error) {
	r := &reader{data: data}
	return r.readChunk()
}

// Decode reads a whole MOCA chunk from r.
func Decode(r io.Reader) (*Chunk, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &BytecodeError{Kind: ErrIO, Err: err}
	}
	return Deserialize(data)
}

// LoadFile reads and decodes the chunk stored at path.
func LoadFile(path string) (*Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &BytecodeError{Kind: ErrIO, Err: err}
	}
	return Deserialize(data)
}

type reader struct {
	data   []byte
	offset int
}

func (r *reader) eof() error {
	return &BytecodeError{Kind: ErrUnexpectedEOF, Offset: r.offset}
}

func (r *reader) remaining() int { return len(r.data) - r.offset }

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, r.eof()
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *reader) readUint8() (uint8, error) {
	b, err := r.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readUint16() (uint16, error) {
	b, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) readUint32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) readUint64() (uint64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readUint32()
	if err != nil {
		return "", err
	}
	start := r.offset
	b, err := r.readBytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", &BytecodeError{Kind: ErrInvalidUTF8, Offset: start}
	}
	return string(b), nil
}

// readCount reads a u32 element count and rejects counts that cannot fit in
// the remaining input given the minimum encoded size of one element.
func (r *reader) readCount(minSize int) (int, error) {
	n, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minSize) > uint64(r.remaining()) {
		return 0, r.eof()
	}
	return int(n), nil
}

func (r *reader) readChunk() (*Chunk, error) {
	magic, err := r.readBytes(4)
	if err != nil {
		return nil, err
	}
	if [4]byte(magic) != Magic {
		return nil, &BytecodeError{Kind: ErrInvalidMagic, Offset: 0}
	}

	version, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, &BytecodeError{Kind: ErrUnsupportedVersion, Offset: 4, Value: version}
	}

	c := &Chunk{}

	nstrings, err := r.readCount(4)
	if err != nil {
		return nil, err
	}
	c.Strings = make([]string, 0, nstrings)
	for i := 0; i < nstrings; i++ {
		s, err := r.readString()
		if err != nil {
			return nil, err
		}
		c.Strings = append(c.Strings, s)
	}

	nfuncs, err := r.readCount(17)
	if err != nil {
		return nil, err
	}
	c.Functions = make([]*Function, 0, nfuncs)
	for i := 0; i < nfuncs; i++ {
		fn, err := r.readFunction()
		if err != nil {
			return nil, err
		}
		c.Functions = append(c.Functions, fn)
	}

	if c.Main, err = r.readFunction(); err != nil {
		return nil, err
	}

	// The debug flag is read for framing only.
	if _, err := r.readUint8(); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *reader) readFunction() (*Function, error) {
	name, err := r.readString()
	if err != nil {
		return nil, err
	}
	arity, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	locals, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	fn := &Function{Name: name, Arity: int(arity), LocalsCount: int(locals)}

	ninstr, err := r.readCount(1)
	if err != nil {
		return nil, err
	}
	fn.Code = make([]Op, 0, ninstr)
	for i := 0; i < ninstr; i++ {
		op, err := r.readOp()
		if err != nil {
			return nil, err
		}
		fn.Code = append(fn.Code, op)
	}

	hasMap, err := r.readUint8()
	if err != nil {
		return nil, err
	}
	if hasMap == 0 {
		return fn, nil
	}

	nentries, err := r.readCount(22)
	if err != nil {
		return nil, err
	}
	fn.StackMap = stackmap.New()
	for i := 0; i < nentries; i++ {
		var e stackmap.Entry
		if e.PC, err = r.readUint32(); err != nil {
			return nil, err
		}
		if e.StackHeight, err = r.readUint16(); err != nil {
			return nil, err
		}
		stackBits, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		localBits, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		e.StackRefs = stackmap.RefBitset(stackBits)
		e.LocalRefs = stackmap.RefBitset(localBits)
		fn.StackMap.Add(e)
	}
	return fn, nil
}

func (r *reader) readOp() (Op, error) {
	start := r.offset
	tag, err := r.readUint8()
	if err != nil {
		return Op{}, err
	}
	code := Opcode(tag)
	if !code.Valid() {
		return Op{}, &BytecodeError{Kind: ErrInvalidOpcode, Offset: start, Value: uint32(tag)}
	}

	op := Op{Code: code}
	switch code.Operands() {
	case OperandI32, OperandF32:
		v, err := r.readUint32()
		if err != nil {
			return Op{}, err
		}
		op.Imm = uint64(v)
	case OperandI64, OperandF64:
		if op.Imm, err = r.readUint64(); err != nil {
			return Op{}, err
		}
	case OperandU32:
		if op.A, err = r.readUint32(); err != nil {
			return Op{}, err
		}
	case OperandU32Pair:
		if op.A, err = r.readUint32(); err != nil {
			return Op{}, err
		}
		if op.B, err = r.readUint32(); err != nil {
			return Op{}, err
		}
	}
	return op, nil
}
