package ratelimit

import (
	"testing"
	"time"
)

func testLimiter(max int, window time.Duration) (*Limiter, *time.Time) {
	l := NewLimiter(Config{MaxRequests: max, Window: window, Enabled: true})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterBoundary(t *testing.T) {
	l, now := testLimiter(10, time.Minute)

	for i := 1; i <= 10; i++ {
		if !l.Allow("u1") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("u1") {
		t.Error("11th request should be rejected")
	}
	// Rejection must not consume a slot or extend the window.
	if l.Allow("u1") {
		t.Error("12th request should be rejected")
	}

	*now = now.Add(time.Minute)
	if !l.Allow("u1") {
		t.Error("first request after window expiry should be allowed")
	}
}

func TestLimiterIsolatesIdentities(t *testing.T) {
	l, _ := testLimiter(1, time.Minute)

	if !l.Allow("u1") {
		t.Fatal("u1 first request should pass")
	}
	if l.Allow("u1") {
		t.Error("u1 second request should be rejected")
	}
	if !l.Allow("u2") {
		t.Error("u2 should not share u1's window")
	}
}

func TestLimiterReset(t *testing.T) {
	l, _ := testLimiter(1, time.Minute)

	l.Allow("u1")
	if l.Allow("u1") {
		t.Fatal("second request should be rejected")
	}
	l.Reset("u1")
	if !l.Allow("u1") {
		t.Error("request after Reset should be allowed")
	}
}

func TestLimiterRemaining(t *testing.T) {
	l, now := testLimiter(3, time.Minute)

	if got := l.Remaining("u1"); got != 3 {
		t.Errorf("fresh identity Remaining = %d, want 3", got)
	}
	l.Allow("u1")
	l.Allow("u1")
	if got := l.Remaining("u1"); got != 1 {
		t.Errorf("Remaining = %d, want 1", got)
	}
	*now = now.Add(2 * time.Minute)
	if got := l.Remaining("u1"); got != 3 {
		t.Errorf("Remaining after expiry = %d, want 3", got)
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(Config{MaxRequests: 1, Window: time.Minute, Enabled: false})
	for i := 0; i < 5; i++ {
		if !l.Allow("u1") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestLimiterPrune(t *testing.T) {
	l, now := testLimiter(5, time.Minute)
	l.maxKeys = 2

	l.Allow("a")
	l.Allow("b")
	*now = now.Add(2 * time.Minute)
	// Third identity triggers a prune of the two expired windows.
	l.Allow("c")

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.windows) != 1 {
		t.Errorf("expected 1 live window after prune, got %d", len(l.windows))
	}
}
