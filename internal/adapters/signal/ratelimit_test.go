package signal

import (
	"testing"
	"time"
)

func TestRateLimiterBudgetPerKey(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	if !rl.Allow("alice") || !rl.Allow("alice") {
		t.Fatalf("attempts within budget denied")
	}
	if rl.Allow("alice") {
		t.Fatalf("third attempt inside the window allowed")
	}
	// Budgets are per key.
	if !rl.Allow("bob") {
		t.Fatalf("fresh key denied")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond)

	if !rl.Allow("alice") {
		t.Fatalf("first attempt denied")
	}
	if rl.Allow("alice") {
		t.Fatalf("second attempt inside the window allowed")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("alice") {
		t.Fatalf("budget did not refill after the window passed")
	}
}
