package concierge

import (
	"errors"
	"testing"

	"go.chromium.org/vmtools/internal/vmerr"
)

func TestGenerateTokenUniqueness(t *testing.T) {
	tt := NewTokenTable()
	seen := make(map[Token]bool)
	for i := 0; i < 1000; i++ {
		tok := tt.GenerateToken("c")
		if seen[tok] {
			t.Fatalf("token collision at iteration %d", i)
		}
		seen[tok] = true
	}
}

func TestRegisterContainerPromotesPending(t *testing.T) {
	tt := NewTokenTable()
	tok := tt.GenerateToken("penguin")

	rec, err := tt.RegisterContainer(tok, "3:2000")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !rec.Confirmed() {
		t.Fatalf("expected container to be confirmed after registration")
	}
	if _, stillPending := tt.PendingContainers[tok]; stillPending {
		t.Fatalf("expected token to be removed from pending set")
	}
	if _, confirmed := tt.Containers[tok]; !confirmed {
		t.Fatalf("expected token present in confirmed set")
	}
}

func TestRegisterContainerRefreshesEndpoint(t *testing.T) {
	tt := NewTokenTable()
	tok := tt.GenerateToken("penguin")
	tt.RegisterContainer(tok, "3:2000")

	rec, err := tt.RegisterContainer(tok, "3:2500")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if rec.GarconEndpoint != "3:2500" {
		t.Fatalf("expected endpoint refresh, got %q", rec.GarconEndpoint)
	}
}

func TestRegisterUnknownTokenFails(t *testing.T) {
	tt := NewTokenTable()
	_, err := tt.RegisterContainer(Token("nonexistent"), "3:2000")
	if !errors.Is(err, vmerr.NotFound) {
		t.Fatalf("expected vmerr.NotFound, got %v", err)
	}
}

func TestUnregisterContainerRemovesIt(t *testing.T) {
	tt := NewTokenTable()
	tok := tt.GenerateToken("penguin")
	tt.RegisterContainer(tok, "3:2000")

	if _, err := tt.UnregisterContainer(tok); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, ok := tt.Containers[tok]; ok {
		t.Fatalf("expected token removed from confirmed set")
	}
	if _, err := tt.UnregisterContainer(tok); !errors.Is(err, vmerr.NotFound) {
		t.Fatalf("expected second unregister to fail with NotFound, got %v", err)
	}
}
