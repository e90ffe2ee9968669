// Package config handles moca.toml runtime configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "moca.toml"

// JITMode selects whether hot functions are compiled to native code.
type JITMode string

const (
	JITOff  JITMode = "off"
	JITOn   JITMode = "on"
	JITAuto JITMode = "auto" // on where native execution is supported
)

// GCMode selects how collection cycles run.
type GCMode string

const (
	// GCStopTheWorld runs each cycle entirely while mutators are stopped.
	GCStopTheWorld GCMode = "stw"
	// GCConcurrent marks and sweeps on a collector goroutine, stopping
	// mutators only for initial mark and remark.
	GCConcurrent GCMode = "concurrent"
)

// DefaultJITThreshold is the call count after which a function is promoted.
const DefaultJITThreshold = 1000

// DefaultMaxStack bounds the operand stack depth the verifier accepts.
const DefaultMaxStack = 1024

var (
	ErrInvalidJITMode = errors.New("invalid jit mode")
	ErrInvalidGCMode  = errors.New("invalid gc mode")
	ErrInvalidValue   = errors.New("invalid configuration value")
)

// Config is the runtime configuration surface of the VM.
type Config struct {
	JIT      JIT      `toml:"jit"`
	GC       GC       `toml:"gc"`
	Profile  Profile  `toml:"profile"`
	Verifier Verifier `toml:"verifier"`

	// Path is the file the configuration was loaded from (set at load time).
	Path string `toml:"-"`
}

// JIT configures tiering.
type JIT struct {
	Mode      JITMode `toml:"mode"`
	Threshold int     `toml:"threshold"`
	Trace     bool    `toml:"trace"`
}

// GC configures the collector.
type GC struct {
	Mode    GCMode `toml:"mode"`
	Stats   bool   `toml:"stats"`
	Enabled bool   `toml:"enabled"`

	// HeapLimit is a byte limit on live heap data. Zero means unlimited.
	HeapLimit int64 `toml:"heap-limit"`
}

// Profile configures opcode profiling and tier profile persistence.
type Profile struct {
	Opcodes bool   `toml:"opcodes"`
	Input   string `toml:"input"`
	Output  string `toml:"output"`
}

// Verifier configures bytecode verification.
type Verifier struct {
	MaxStack int `toml:"max-stack"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		JIT:      JIT{Mode: JITAuto, Threshold: DefaultJITThreshold},
		GC:       GC{Mode: GCStopTheWorld, Enabled: true},
		Verifier: Verifier{MaxStack: DefaultMaxStack},
	}
}

// Parse decodes TOML data over the defaults. name is used in errors.
func Parse(data []byte, name string) (Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return Config{}, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%s: unknown key %q", name, undecoded[0].String())
	}

	// Defaults
	def := Default()
	if c.JIT.Mode == "" {
		c.JIT.Mode = def.JIT.Mode
	}
	if !md.IsDefined("jit", "threshold") {
		c.JIT.Threshold = def.JIT.Threshold
	}
	if c.GC.Mode == "" {
		c.GC.Mode = def.GC.Mode
	}
	if !md.IsDefined("gc", "enabled") {
		c.GC.Enabled = def.GC.Enabled
	}
	if c.Verifier.MaxStack == 0 {
		c.Verifier.MaxStack = def.Verifier.MaxStack
	}

	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", name, err)
	}
	return c, nil
}

// Validate checks field values.
func (c Config) Validate() error {
	switch c.JIT.Mode {
	case JITOff, JITOn, JITAuto:
	default:
		return fmt.Errorf("%w %q (want off, on or auto)", ErrInvalidJITMode, c.JIT.Mode)
	}
	switch c.GC.Mode {
	case GCStopTheWorld, GCConcurrent:
	default:
		return fmt.Errorf("%w %q (want stw or concurrent)", ErrInvalidGCMode, c.GC.Mode)
	}
	if c.JIT.Threshold < 0 {
		return fmt.Errorf("%w: jit threshold %d is negative", ErrInvalidValue, c.JIT.Threshold)
	}
	if c.GC.HeapLimit < 0 {
		return fmt.Errorf("%w: heap limit %d is negative", ErrInvalidValue, c.GC.HeapLimit)
	}
	if c.Verifier.MaxStack <= 0 {
		return fmt.Errorf("%w: max stack %d must be positive", ErrInvalidValue, c.Verifier.MaxStack)
	}
	return nil
}

// Load parses a moca.toml file from the given directory.
func Load(dir string) (Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data, path)
	if err != nil {
		return Config{}, err
	}
	c.Path, err = filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a moca.toml file and loads it.
// found is false, with the defaults returned, if there is none.
func FindAndLoad(startDir string) (c Config, found bool, err error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return Config{}, false, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			c, err := Load(dir)
			return c, err == nil, err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return Default(), false, nil
		}
		dir = parent
	}
}

// ParseJITMode converts a flag value.
func ParseJITMode(s string) (JITMode, error) {
	switch m := JITMode(s); m {
	case JITOff, JITOn, JITAuto:
		return m, nil
	}
	return "", fmt.Errorf("%w %q (want off, on or auto)", ErrInvalidJITMode, s)
}

// ParseGCMode converts a flag value.
func ParseGCMode(s string) (GCMode, error) {
	switch m := GCMode(s); m {
	case GCStopTheWorld, GCConcurrent:
		return m, nil
	}
	return "", fmt.Errorf("%w %q (want stw or concurrent)", ErrInvalidGCMode, s)
}
