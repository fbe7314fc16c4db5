package concierge

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.chromium.org/vmtools/internal/vmerr"
)

// OpenURLLimiter is a fixed-window rate limiter for OpenUrl/OpenTerminal
// RPCs: a hard reset every window, no token-bucket smoothing of bursts
// across windows (spec.md §9 leaves that question explicitly out of
// scope, so we implement the simpler, literally-specified behavior).
type OpenURLLimiter struct {
	mu sync.Mutex

	window time.Duration
	quota  int

	windowStart time.Time
	count       int
	warned      bool

	now func() time.Time
}

// NewOpenURLLimiter returns a limiter with the given window and quota.
func NewOpenURLLimiter(window time.Duration, quota int) *OpenURLLimiter {
	return &OpenURLLimiter{window: window, quota: quota, now: time.Now}
}

// Allow records one attempt and reports whether it is within quota. On the
// first rejection in a window it logs once to avoid log spam.
func (l *OpenURLLimiter) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
		l.warned = false
	}

	l.count++
	if l.count > l.quota {
		if !l.warned {
			log.Printf("concierge: open-url rate limit exceeded (quota %d per %s)", l.quota, l.window)
			l.warned = true
		}
		return fmt.Errorf("open-url quota exceeded: %w", vmerr.RateLimited)
	}
	return nil
}
