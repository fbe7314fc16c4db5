package bouncer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.chromium.org/vmtools/internal/fingerprint"
	"go.chromium.org/vmtools/internal/ruledb"
)

func newTestManager(t *testing.T, withUser bool, ruleOf func(string) (string, error)) (*Manager, func()) {
	t.Helper()
	dir := t.TempDir()
	globalStore, err := ruledb.OpenRuleStore(filepath.Join(dir, "devices.proto"))
	if err != nil {
		t.Fatalf("open global store: %v", err)
	}
	var userStore *ruledb.UserStore
	if withUser {
		userStore, err = ruledb.OpenUserStore(filepath.Join(dir, "user_devices.proto"))
		if err != nil {
			t.Fatalf("open user store: %v", err)
		}
	}
	policyDir := filepath.Join(dir, "rules.d")
	if err := os.MkdirAll(policyDir, 0700); err != nil {
		t.Fatalf("mkdir policyDir: %v", err)
	}
	m := NewManager(globalStore, userStore, RuleSourceFunc(ruleOf), policyDir)
	cleanup := func() {
		globalStore.Close()
		if userStore != nil {
			userStore.Close()
		}
	}
	return m, cleanup
}

const testDevpath = "/devices/pci0000:00/0000:00:14.0/usb1/1-1"

func TestSimpleAdd(t *testing.T) {
	const rule = `allow id 0781:5588 hash "X"`
	m, cleanup := newTestManager(t, false, func(string) (string, error) { return rule, nil })
	defer cleanup()

	if err := m.HandleEvent(ActionAdd, testDevpath); err != nil {
		t.Fatalf("HandleEvent(add): %v", err)
	}

	key := fingerprint.OfString(mustNormalize(t, testDevpath))
	entry, ok := m.global.Get().Entries[key]
	if !ok {
		t.Fatalf("expected entry for key %s", key)
	}
	if len(entry.Rules) != 1 || entry.Rules[0] != rule {
		t.Fatalf("unexpected rules: %+v", entry.Rules)
	}
	if time.Since(entry.LastUsed) > 5*time.Second {
		t.Fatalf("LastUsed not close to now: %v", entry.LastUsed)
	}
}

func TestModeSwitch(t *testing.T) {
	calls := 0
	rules := []string{"allow id 0781:5588 storage", "allow id 0781:5588 modem"}
	m, cleanup := newTestManager(t, false, func(string) (string, error) {
		r := rules[calls]
		calls++
		return r, nil
	})
	defer cleanup()

	if err := m.HandleEvent(ActionAdd, testDevpath); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := m.HandleEvent(ActionRemove, testDevpath); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := m.HandleEvent(ActionAdd, testDevpath); err != nil {
		t.Fatalf("second add: %v", err)
	}

	key := fingerprint.OfString(mustNormalize(t, testDevpath))
	entry := m.global.Get().Entries[key]
	if len(entry.Rules) != 2 || entry.Rules[0] != rules[0] || entry.Rules[1] != rules[1] {
		t.Fatalf("expected [%s, %s], got %+v", rules[0], rules[1], entry.Rules)
	}
}

func TestGCWindow(t *testing.T) {
	const rule = "allow id 0781:5588"
	m, cleanup := newTestManager(t, true, func(string) (string, error) { return rule, nil })
	defer cleanup()

	if err := m.HandleEvent(ActionAdd, testDevpath); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.HandleEvent(ActionRemove, testDevpath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// Simulate elapsed time by backdating the trash entry directly.
	key := fingerprint.OfString(mustNormalize(t, testDevpath))
	e := m.global.Get().Trash[key]
	e.LastUsed = time.Now().Add(-2 * time.Second)
	m.global.Mut().Trash[key] = e

	if err := m.GarbageCollect(); err != nil {
		t.Fatalf("gc: %v", err)
	}
	if _, ok := m.global.Get().Trash[key]; ok {
		t.Fatalf("expected trash entry to be GC'd")
	}
}

func TestUserLoginPropagation(t *testing.T) {
	const rule = "allow id 0781:5588"
	m, cleanup := newTestManager(t, true, func(string) (string, error) { return rule, nil })
	defer cleanup()

	if err := m.HandleEvent(ActionAdd, testDevpath); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.HandleUserLogin(); err != nil {
		t.Fatalf("user login: %v", err)
	}

	userKey := fingerprint.OfRules([]string{rule})
	entry, ok := m.user.Get().Entries[userKey]
	if !ok {
		t.Fatalf("expected user entry under %s", userKey)
	}
	if len(entry.Rules) != 1 || entry.Rules[0] != rule {
		t.Fatalf("unexpected user rules: %+v", entry.Rules)
	}
}

func TestHandleUserLoginNoUserDb(t *testing.T) {
	m, cleanup := newTestManager(t, false, func(string) (string, error) { return "allow id 1:1", nil })
	defer cleanup()
	if err := m.HandleUserLogin(); err == nil {
		t.Fatalf("expected NO_USER_DB error")
	}
}

func TestGenerateRulesDeterministicAndDropInOrder(t *testing.T) {
	const ruleA = "allow id 0781:5588"
	m, cleanup := newTestManager(t, false, func(string) (string, error) { return ruleA, nil })
	defer cleanup()

	if err := m.HandleEvent(ActionAdd, testDevpath); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := os.WriteFile(filepath.Join(m.policyDir, "b.conf"), []byte("block id 2:2\n"), 0600); err != nil {
		t.Fatalf("write b.conf: %v", err)
	}
	if err := os.WriteFile(filepath.Join(m.policyDir, "a.conf"), []byte("block id 3:3\n"), 0600); err != nil {
		t.Fatalf("write a.conf: %v", err)
	}

	out, err := m.GenerateRules()
	if err != nil {
		t.Fatalf("GenerateRules: %v", err)
	}
	want := ruleA + "\nblock id 3:3\nblock id 2:2\n"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestInvalidDevpathRejected(t *testing.T) {
	m, cleanup := newTestManager(t, false, func(string) (string, error) { return "allow id 1:1", nil })
	defer cleanup()

	cases := []string{"", "/devices/../etc/passwd", "/not-devices/foo"}
	for _, dp := range cases {
		if err := m.HandleEvent(ActionAdd, dp); err == nil {
			t.Fatalf("expected error for devpath %q", dp)
		}
	}
}

func mustNormalize(t *testing.T, devpath string) string {
	t.Helper()
	n, err := normalizeDevpath(devpath)
	if err != nil {
		t.Fatalf("normalizeDevpath(%q): %v", devpath, err)
	}
	return n
}
