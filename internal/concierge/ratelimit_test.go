package concierge

import (
	"errors"
	"testing"
	"time"

	"go.chromium.org/vmtools/internal/vmerr"
)

func TestOpenURLLimiterQuotaThenReset(t *testing.T) {
	l := NewOpenURLLimiter(15*time.Second, 10)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		if err := l.Allow(); err != nil {
			t.Fatalf("request %d: expected success, got %v", i+1, err)
		}
	}
	if err := l.Allow(); !errors.Is(err, vmerr.RateLimited) {
		t.Fatalf("request 11: expected RateLimited, got %v", err)
	}

	now = now.Add(16 * time.Second)
	if err := l.Allow(); err != nil {
		t.Fatalf("request after window reset: expected success, got %v", err)
	}
}

func TestOpenURLLimiterWarnsOnlyOncePerWindow(t *testing.T) {
	l := NewOpenURLLimiter(time.Second, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow()
	l.Allow()
	if !l.warned {
		t.Fatalf("expected warned flag set after first overage")
	}
	l.Allow()
	// No assertion on log output; this just exercises the path without
	// panicking on repeated overage within the same window.
}
