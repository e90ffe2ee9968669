package vm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/chazu/moca/config"
)

func TestProfileRoundTrip(t *testing.T) {
	vm, _ := newTestVM(t)
	mustRun(t, vm, sumChunk(10))

	path := filepath.Join(t.TempDir(), "run.prof")
	if err := vm.SaveProfile(path); err != nil {
		t.Fatal(err)
	}

	other, _ := newTestVM(t)
	if err := other.LoadProfile(path); err != nil {
		t.Fatal(err)
	}
	sum, ok := other.preload["sum"]
	if !ok || sum.Calls != 1 || sum.Tier != TierCold {
		t.Errorf("preloaded sum = %+v, %t", sum, ok)
	}
	if main, ok := other.preload["main"]; !ok || main.Calls != 1 {
		t.Errorf("preloaded main = %+v, %t", main, ok)
	}
}

func TestProfilePreloadPromotesOnFirstCall(t *testing.T) {
	data, err := MarshalProfile(&Profile{
		Version:   ProfileVersion,
		VMID:      uuid.NewString(),
		Functions: []FunctionProfile{{Name: "sum", Calls: 5000, Tier: TierWarm}},
	})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "hot.prof")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	vm, _ := newTestVM(t, withJIT(config.JITOff))
	if err := vm.LoadProfile(path); err != nil {
		t.Fatal(err)
	}
	v, err := vm.RunWithQuickening(sumChunk(100))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Same(I64(5050)) {
		t.Errorf("sum = %v, want 5050", v)
	}
	if got := vm.Tier(0); got != TierWarm {
		t.Errorf("tier = %s, want warm", got)
	}
	if got := vm.Tier(MainIndex); got != TierCold {
		t.Errorf("main tier = %s, want cold", got)
	}
}

func TestUnmarshalProfileRejects(t *testing.T) {
	tests := []struct {
		name string
		p    Profile
		kind error
	}{
		{name: "future version", p: Profile{Version: ProfileVersion + 1, VMID: uuid.NewString()}, kind: ErrProfileVersion},
		{name: "bad vm id", p: Profile{Version: ProfileVersion, VMID: "not-a-uuid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalProfile(&tt.p)
			if err != nil {
				t.Fatal(err)
			}
			_, err = UnmarshalProfile(data)
			if err == nil {
				t.Fatal("profile accepted")
			}
			if tt.kind != nil && !errors.Is(err, tt.kind) {
				t.Errorf("err = %v, want %v", err, tt.kind)
			}
		})
	}

	if _, err := UnmarshalProfile([]byte{0xff, 0x00}); err == nil {
		t.Error("garbage accepted")
	}
}
