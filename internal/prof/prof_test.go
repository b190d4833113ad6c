package prof

import (
	"context"
	"slices"
	"testing"

	"github.com/grafana/pyroscope-go"
)

func TestStart_Disabled(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: false, ServerAddress: "http://ignored"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
	stop()
}

func TestStart_MissingAddress(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: true, AppName: "toptracker"})
	if err == nil {
		t.Fatal("expected error for empty server address")
	}
	if stop == nil {
		t.Fatal("stop must be non-nil on error")
	}
	stop()
}

func TestConfig_ProfileTypes(t *testing.T) {
	base := config(Options{AppName: "toptracker", ServerAddress: "http://p:4040", TenantID: "t1"})
	if base.TenantID != "t1" || base.ApplicationName != "toptracker" {
		t.Fatalf("config = %+v", base)
	}
	if slices.Contains(base.ProfileTypes, pyroscope.ProfileMutexCount) {
		t.Fatal("mutex profiles enabled without a fraction")
	}

	full := config(Options{MutexProfileFraction: 5, BlockProfileRate: 1})
	for _, pt := range []pyroscope.ProfileType{
		pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration,
		pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration,
	} {
		if !slices.Contains(full.ProfileTypes, pt) {
			t.Errorf("missing profile type %s", pt)
		}
	}
}
