package vsh

import (
	"os"
	"os/user"
	"testing"
)

func currentUsername(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Skipf("no current user available: %v", err)
	}
	return u.Username
}

func TestIdentityResolverChronosOnlyOnNonTestImage(t *testing.T) {
	r := IdentityResolver{ChronosOnlyTarget: "vm-shell", TestImage: false}
	if _, err := r.Resolve("vm-shell", "someoneelse"); err == nil {
		t.Fatalf("expected rejection of non-chronos user on vm-shell target")
	}
}

func TestIdentityResolverAllowsChronosOnVMShell(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to look up an arbitrary user and pass the uid-switch check")
	}
	r := IdentityResolver{ChronosOnlyTarget: "vm-shell", TestImage: false}
	if _, err := r.Resolve("vm-shell", "chronos"); err != nil {
		t.Skipf("chronos user not present in this environment: %v", err)
	}
}

func TestIdentityResolverTestImageAllowsAnyUser(t *testing.T) {
	name := currentUsername(t)
	r := IdentityResolver{ChronosOnlyTarget: "vm-shell", TestImage: true}
	if _, err := r.Resolve("vm-shell", name); err != nil {
		t.Fatalf("expected test image to allow any user, got %v", err)
	}
}

func TestExitCodeFromNilState(t *testing.T) {
	if got := exitCodeFromState(nil); got != defaultExitCode {
		t.Fatalf("expected default exit code %d, got %d", defaultExitCode, got)
	}
}

func TestArgvPathDefaultsToLoginShell(t *testing.T) {
	if got := argvPath(nil, "/bin/sh"); got != "/bin/sh" {
		t.Fatalf("expected login shell fallback, got %q", got)
	}
	if got := argvPath([]string{"-/bin/sh"}, "/bin/sh"); got != "/bin/sh" {
		t.Fatalf("expected login-shell form to resolve to login shell, got %q", got)
	}
	if got := argvPath([]string{"/bin/cat", "-n"}, "/bin/sh"); got != "/bin/cat" {
		t.Fatalf("expected explicit argv[0], got %q", got)
	}
}
