package vm

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Tier profiles: per-function call counts saved across runs
// ---------------------------------------------------------------------------

// ProfileVersion is the current profile format.
const ProfileVersion = 1

// ErrProfileVersion is returned when loading a profile written by an
// incompatible version.
var ErrProfileVersion = errors.New("unsupported profile version")

var profileEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	profileEncMode = em
}

// FunctionProfile records how hot one function ran.
type FunctionProfile struct {
	Name  string `cbor:"1,keyasint"`
	Calls int64  `cbor:"2,keyasint"`
	Tier  Tier   `cbor:"3,keyasint"`
}

// Profile is a saved set of function profiles.
type Profile struct {
	Version   int               `cbor:"1,keyasint"`
	VMID      string            `cbor:"2,keyasint"`
	Created   int64             `cbor:"3,keyasint"` // unix nanoseconds
	Functions []FunctionProfile `cbor:"4,keyasint,omitempty"`
}

// Profile snapshots the call counts and tiers of the loaded chunk's
// functions, main last.
func (vm *VM) Profile() *Profile {
	p := &Profile{
		Version: ProfileVersion,
		VMID:    vm.ID.String(),
		Created: time.Now().UnixNano(),
	}
	for _, f := range vm.funcs {
		p.Functions = append(p.Functions, FunctionProfile{
			Name:  f.fn.Name,
			Calls: f.calls.Load(),
			Tier:  f.Tier(),
		})
	}
	return p
}

// MarshalProfile encodes p as canonical CBOR.
func MarshalProfile(p *Profile) ([]byte, error) {
	return profileEncMode.Marshal(p)
}

// UnmarshalProfile decodes and checks a profile.
func UnmarshalProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("vm: unmarshal profile: %w", err)
	}
	if p.Version != ProfileVersion {
		return nil, fmt.Errorf("%w: %d", ErrProfileVersion, p.Version)
	}
	if _, err := uuid.Parse(p.VMID); err != nil {
		return nil, fmt.Errorf("vm: profile VM id: %w", err)
	}
	return &p, nil
}

// SaveProfile writes the current profile to path.
func (vm *VM) SaveProfile(path string) error {
	data, err := MarshalProfile(vm.Profile())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

// LoadProfile reads a profile saved by SaveProfile. Functions of chunks run
// afterwards start with the saved call counts, so functions that were hot
// are promoted on their first call.
func (vm *VM) LoadProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	p, err := UnmarshalProfile(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	vm.preload = make(map[string]FunctionProfile, len(p.Functions))
	for _, fp := range p.Functions {
		vm.preload[fp.Name] = fp
	}
	log.Debugf("loaded profile of %d functions from VM %s", len(p.Functions), p.VMID)
	return nil
}
