package presence

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(500 * time.Millisecond)) {
		t.Fatal("fourth event inside the window should be rejected")
	}
	if !rl.Allow(base.Add(1050 * time.Millisecond)) {
		t.Fatal("event after the first one aged out should be allowed")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	def := DefaultGatewayConfig()
	if rl.limit != def.RateEvents || rl.window != def.RateWindow {
		t.Fatalf("defaults not applied: limit=%d window=%v", rl.limit, rl.window)
	}
}
