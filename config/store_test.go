package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glmwarm/zwarmd/slot"
)

func TestLoad_MissingFileYieldsNormalizedDefaults(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist.json"))
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.ConfigVersion != 1 {
		t.Fatalf("ConfigVersion = %d, want 1", doc.ConfigVersion)
	}
	if doc.Global.MaxConsecutiveErrors != slot.DefaultGlobalConfig().MaxConsecutiveErrors {
		t.Fatalf("Global not defaulted: %+v", doc.Global)
	}
}

func TestSaveLoad_RoundTripIsIdempotentUnderNormalize(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "zwarmd.json"))

	doc := slot.Document{
		Global: slot.GlobalConfig{
			WakeQuotaRetryWindowMinutes: 9000, // out of range, should clamp
			MaxConsecutiveErrors:        5,
			QuotaPollBackoffCapMinutes:  0, // out of range, should clamp
			MaxLogDays:                  0, // out of range, should clamp to 1
		},
		Slots: []slot.Config{
			{Index: 0, Enabled: true, PollIntervalMinutes: 0, IntervalMinutes: 0, AfterResetMinutes: 0},
			{Index: 1, Enabled: false},
			{Index: 2, Enabled: true},
			{Index: 3, Enabled: true},
			{Index: 4, Enabled: true}, // beyond MaxSlots, should be truncated
		},
	}

	saved, err := s.Save(doc)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(saved.Slots) != slot.MaxSlots {
		t.Fatalf("saved slot count = %d, want %d", len(saved.Slots), slot.MaxSlots)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	reSaved, err := s.Save(loaded)
	if err != nil {
		t.Fatalf("re-Save: %v", err)
	}

	if reSaved.Global != loaded.Global {
		t.Fatalf("save(load(save(x))) != load(save(x)): %+v vs %+v", reSaved.Global, loaded.Global)
	}
	if len(reSaved.Slots) != len(loaded.Slots) {
		t.Fatalf("slot count drifted across re-save: %d vs %d", len(reSaved.Slots), len(loaded.Slots))
	}
}

func TestWatch_IgnoresOwnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zwarmd.json")
	s := New(path)

	reloads := make(chan slot.Document, 4)
	if err := s.Watch(func(doc slot.Document) { reloads <- doc }); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer s.Close()

	if _, err := s.Save(slot.Document{Global: slot.DefaultGlobalConfig()}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case doc := <-reloads:
		t.Fatalf("own write triggered a reload: %+v", doc)
	case <-time.After(500 * time.Millisecond):
		// Expected: no reload fired for our own save.
	}
}
