package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/chazu/moca/pkg/stackmap"
)

func sampleChunk() *Chunk {
	sm := stackmap.New()
	sm.Add(stackmap.Entry{PC: 3, StackHeight: 2, StackRefs: 0b10, LocalRefs: 0b1})
	sm.Add(stackmap.Entry{PC: 1, StackHeight: 0, LocalRefs: 1 << 63})

	add := &Function{
		Name:        "add",
		Arity:       2,
		LocalsCount: 2,
		Code: []Op{
			LocalGet(0),
			LocalGet(1),
			Simple(OpI64Add),
			Simple(OpRet),
		},
		StackMap: sm,
	}
	main := &Function{
		Name:        "main",
		LocalsCount: 1,
		Code: []Op{
			StringConst(0),
			Simple(OpPrint),
			Simple(OpDrop),
			I32Const(-5),
			F32Const(float32(math.Inf(-1))),
			F64Const(math.NaN()),
			Simple(OpDrop),
			Simple(OpDrop),
			Simple(OpDrop),
			PushInt(40),
			PushInt(2),
			Call(0, 2),
			ObjectNew(1, 0),
			Simple(OpDrop),
			Syscall(2, 0),
			Simple(OpDrop),
			BrIfFalse(0),
			Simple(OpRet),
		},
	}
	c := NewChunk(main)
	c.AddFunction(add)
	c.AddString("héllo, wörld")
	c.AddString("x,y")
	return c
}

func TestRoundTrip(t *testing.T) {
	orig := sampleChunk()
	data := Serialize(orig)

	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if !reflect.DeepEqual(got.Strings, orig.Strings) {
		t.Errorf("strings = %q, want %q", got.Strings, orig.Strings)
	}
	if len(got.Functions) != len(orig.Functions) {
		t.Fatalf("got %d functions, want %d", len(got.Functions), len(orig.Functions))
	}

	pairs := [][2]*Function{{got.Functions[0], orig.Functions[0]}, {got.Main, orig.Main}}
	for _, p := range pairs {
		g, w := p[0], p[1]
		if g.Name != w.Name || g.Arity != w.Arity || g.LocalsCount != w.LocalsCount {
			t.Errorf("header mismatch: got %+v, want %+v", g, w)
		}
		if !reflect.DeepEqual(g.Code, w.Code) {
			t.Errorf("%s: code mismatch:\n got  %v\n want %v", w.Name, g.Code, w.Code)
		}
		if (g.StackMap == nil) != (w.StackMap == nil) {
			t.Errorf("%s: stack map presence differs", w.Name)
		} else if g.StackMap != nil && !g.StackMap.Equal(w.StackMap) {
			t.Errorf("%s: stack map mismatch: %v vs %v", w.Name, g.StackMap.Entries(), w.StackMap.Entries())
		}
	}

	// Re-encoding a decoded chunk is byte-identical.
	if again := Serialize(got); !bytes.Equal(again, data) {
		t.Error("re-serialized bytes differ")
	}
}

func TestHeaderLayout(t *testing.T) {
	data := Serialize(&Chunk{Main: &Function{Name: "main", Code: []Op{I64Const(0), Simple(OpRet)}}})
	if string(data[:4]) != "MOCA" {
		t.Errorf("magic = %q", data[:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != 1 {
		t.Errorf("version = %d", v)
	}
	if data[len(data)-1] != 0 {
		t.Error("debug flag should be zero")
	}
	// I64Const is tag 1 followed by 8 operand bytes.
	idx := bytes.IndexByte(data[8:], byte(OpI64Const))
	if idx < 0 {
		t.Fatal("I64_CONST tag not found")
	}
}

func TestDeserializeErrors(t *testing.T) {
	valid := Serialize(sampleChunk())

	badVersion := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(badVersion[4:], 7)

	badMagic := append([]byte(nil), valid...)
	copy(badMagic, "MOCB")

	// Single empty main function whose lone instruction tag is retired.
	var badOpcode []byte
	badOpcode = append(badOpcode, Magic[:]...)
	badOpcode = binary.LittleEndian.AppendUint32(badOpcode, FormatVersion)
	badOpcode = binary.LittleEndian.AppendUint32(badOpcode, 0) // strings
	badOpcode = binary.LittleEndian.AppendUint32(badOpcode, 0) // functions
	badOpcode = appendString(badOpcode, "main")
	badOpcode = binary.LittleEndian.AppendUint32(badOpcode, 0)
	badOpcode = binary.LittleEndian.AppendUint32(badOpcode, 0)
	badOpcode = binary.LittleEndian.AppendUint32(badOpcode, 1)
	badOpcode = append(badOpcode, 85, 0, 0)

	var badUTF8 []byte
	badUTF8 = append(badUTF8, Magic[:]...)
	badUTF8 = binary.LittleEndian.AppendUint32(badUTF8, FormatVersion)
	badUTF8 = binary.LittleEndian.AppendUint32(badUTF8, 1)
	badUTF8 = binary.LittleEndian.AppendUint32(badUTF8, 2)
	badUTF8 = append(badUTF8, 0xff, 0xfe)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrUnexpectedEOF},
		{"bad magic", badMagic, ErrInvalidMagic},
		{"bad version", badVersion, ErrUnsupportedVersion},
		{"truncated", valid[:len(valid)-5], ErrUnexpectedEOF},
		{"truncated header", valid[:6], ErrUnexpectedEOF},
		{"retired opcode", badOpcode, ErrInvalidOpcode},
		{"invalid utf8", badUTF8, ErrInvalidUTF8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			var be *BytecodeError
			if !errors.As(err, &be) {
				t.Errorf("error %T is not a *BytecodeError", err)
			}
		})
	}
}

func TestDecodeTagAssignments(t *testing.T) {
	// main is [I64Const 8, Ret, Ret]; the trailing bytes are the two RET
	// tags, main's stack-map flag and the debug flag.
	base := Serialize(&Chunk{Main: &Function{Name: "main", Code: []Op{I64Const(8), Simple(OpRet), Simple(OpRet)}}})
	at := len(base) - 4
	if base[at] != byte(OpRet) {
		t.Fatalf("byte %d = %d, want RET", at, base[at])
	}

	tests := []struct {
		tag  byte
		want Opcode
	}{
		{79, OpHeapAllocDyn},
		{80, OpHeapAllocDynSimple},
		{96, OpArgc},
		{98, OpArgs},
		{110, OpI64And},
		{115, OpI64ShrU},
		{131, OpChannelClose},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			data := append([]byte(nil), base...)
			data[at] = tt.tag
			c, err := Deserialize(data)
			if err != nil {
				t.Fatalf("Deserialize: %v", err)
			}
			want := []Op{I64Const(8), Simple(tt.want), Simple(OpRet)}
			if !reflect.DeepEqual(c.Main.Code, want) {
				t.Errorf("code = %v, want %v", c.Main.Code, want)
			}
		})
	}

	for _, tag := range []byte{104, 105, 106, 107, 120} {
		data := append([]byte(nil), base...)
		data[at] = tag
		if _, err := Deserialize(data); !errors.Is(err, ErrInvalidOpcode) {
			t.Errorf("tag %d: got %v, want ErrInvalidOpcode", tag, err)
		}
	}
}

func TestTruncationNeverPanics(t *testing.T) {
	valid := Serialize(sampleChunk())
	for i := 0; i < len(valid); i++ {
		if _, err := Deserialize(valid[:i]); err == nil {
			t.Fatalf("prefix of length %d decoded without error", i)
		}
	}
}

func TestHugeCountRejected(t *testing.T) {
	var data []byte
	data = append(data, Magic[:]...)
	data = binary.LittleEndian.AppendUint32(data, FormatVersion)
	data = binary.LittleEndian.AppendUint32(data, math.MaxUint32)
	if _, err := Deserialize(data); !errors.Is(err, ErrUnexpectedEOF) {
		t.Errorf("got %v", err)
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.mocab")
	if err := SaveFile(path, sampleChunk()); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, fn := c.FunctionByName("add"); fn == nil {
		t.Error("function add missing after reload")
	}

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.mocab"))
	if !errors.Is(err, ErrIO) {
		t.Errorf("missing file: got %v, want ErrIO", err)
	}
}

func TestDisassemble(t *testing.T) {
	out := sampleChunk().Disassemble()
	for _, want := range []string{"=== add", "=== main", "CALL 0 2", "; add", `"x,y"`, "* 0003"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}
