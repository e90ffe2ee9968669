package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[jit]
mode = "on"
threshold = 5
trace = true

[gc]
mode = "concurrent"
stats = true
enabled = false
heap-limit = 1048576

[profile]
opcodes = true
output = "moca.profile"

[verifier]
max-stack = 256
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.JIT.Mode != JITOn || c.JIT.Threshold != 5 || !c.JIT.Trace {
		t.Errorf("jit = %+v", c.JIT)
	}
	if c.GC.Mode != GCConcurrent || !c.GC.Stats || c.GC.Enabled || c.GC.HeapLimit != 1<<20 {
		t.Errorf("gc = %+v", c.GC)
	}
	if !c.Profile.Opcodes || c.Profile.Output != "moca.profile" {
		t.Errorf("profile = %+v", c.Profile)
	}
	if c.Verifier.MaxStack != 256 {
		t.Errorf("max stack = %d, want 256", c.Verifier.MaxStack)
	}
	if filepath.Base(c.Path) != FileName {
		t.Errorf("path = %q", c.Path)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[jit]
trace = true
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.JIT.Mode != JITAuto {
		t.Errorf("jit mode = %q, want auto", c.JIT.Mode)
	}
	if c.JIT.Threshold != DefaultJITThreshold {
		t.Errorf("jit threshold = %d, want %d", c.JIT.Threshold, DefaultJITThreshold)
	}
	if c.GC.Mode != GCStopTheWorld || !c.GC.Enabled {
		t.Errorf("gc = %+v, want stw enabled", c.GC)
	}
	if c.Verifier.MaxStack != DefaultMaxStack {
		t.Errorf("max stack = %d", c.Verifier.MaxStack)
	}
}

func TestExplicitZeroThreshold(t *testing.T) {
	c, err := Parse([]byte("[jit]\nthreshold = 0\n"), "inline")
	if err != nil {
		t.Fatal(err)
	}
	if c.JIT.Threshold != 0 {
		t.Errorf("threshold = %d, want 0", c.JIT.Threshold)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"bad jit mode", "[jit]\nmode = \"sometimes\"\n", ErrInvalidJITMode},
		{"bad gc mode", "[gc]\nmode = \"generational\"\n", ErrInvalidGCMode},
		{"negative threshold", "[jit]\nthreshold = -1\n", ErrInvalidValue},
		{"negative limit", "[gc]\nheap-limit = -5\n", ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), "inline")
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("[jit]\nturbo = true\n"), "inline"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestParseRejectsBadSyntax(t *testing.T) {
	if _, err := Parse([]byte("[jit\n"), "inline"); err == nil {
		t.Error("expected parse error")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[gc]\nstats = true\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, found, err := FindAndLoad(nested)
	if err != nil {
		t.Fatal(err)
	}
	if !found || !c.GC.Stats {
		t.Errorf("found = %v, gc = %+v", found, c.GC)
	}
}

func TestFindAndLoadMissing(t *testing.T) {
	c, found, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Skip("a moca.toml exists above the temp directory")
	}
	if c != Default() {
		t.Errorf("got %+v, want defaults", c)
	}
}

func TestParseModes(t *testing.T) {
	if m, err := ParseJITMode("off"); err != nil || m != JITOff {
		t.Errorf("ParseJITMode(off) = %q, %v", m, err)
	}
	if _, err := ParseJITMode("fast"); !errors.Is(err, ErrInvalidJITMode) {
		t.Errorf("ParseJITMode(fast) = %v", err)
	}
	if m, err := ParseGCMode("concurrent"); err != nil || m != GCConcurrent {
		t.Errorf("ParseGCMode(concurrent) = %q, %v", m, err)
	}
	if _, err := ParseGCMode("moving"); !errors.Is(err, ErrInvalidGCMode) {
		t.Errorf("ParseGCMode(moving) = %v", err)
	}
}
