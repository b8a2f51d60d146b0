package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d rejected", i)
		}
	}
	if rl.Allow(base.Add(500 * time.Millisecond)) {
		t.Fatal("fourth event inside the window admitted")
	}
	// The first admission (base) has aged out.
	if !rl.Allow(base.Add(time.Second)) {
		t.Fatal("event after window rejected")
	}
	// base+100ms is still inside the window.
	if rl.Allow(base.Add(time.Second + 50*time.Millisecond)) {
		t.Fatal("event admitted while window is full")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults = (%d, %s)", len(rl.ring), rl.window)
	}
}
