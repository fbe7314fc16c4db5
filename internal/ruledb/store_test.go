package ruledb

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRuleStorePersistReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.proto")
	s, err := OpenRuleStore(path)
	if err != nil {
		t.Fatalf("OpenRuleStore: %v", err)
	}
	defer s.Close()

	s.Mut().Entries["fp1"] = RuleEntry{Rules: []string{"allow id 0781:5588"}, LastUsed: time.Unix(1000, 0).UTC()}
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	got, ok := s.Get().Entries["fp1"]
	if !ok {
		t.Fatalf("entry missing after reload")
	}
	if len(got.Rules) != 1 || got.Rules[0] != "allow id 0781:5588" {
		t.Fatalf("unexpected rules after reload: %+v", got.Rules)
	}
}

func TestRuleStoreLockHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.proto")
	s1, err := OpenRuleStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	defer s1.Close()

	_, err = OpenRuleStore(path)
	if !IsLockHeld(err) {
		t.Fatalf("expected LOCK_HELD, got %v", err)
	}
}

func TestRuleStoreEmptyFileYieldsEmptyDb(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.proto")
	s, err := OpenRuleStore(path)
	if err != nil {
		t.Fatalf("OpenRuleStore: %v", err)
	}
	defer s.Close()
	if len(s.Get().Entries) != 0 || len(s.Get().Trash) != 0 {
		t.Fatalf("expected empty store on first open")
	}
}

func TestUserStorePersistReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_devices.proto")
	s, err := OpenUserStore(path)
	if err != nil {
		t.Fatalf("OpenUserStore: %v", err)
	}
	defer s.Close()

	s.Mut().Entries["fpU"] = RuleEntry{Rules: []string{"R1"}, LastUsed: time.Unix(2000, 0).UTC()}
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := s.Get().Entries["fpU"]; !ok {
		t.Fatalf("user entry missing after reload")
	}
}
