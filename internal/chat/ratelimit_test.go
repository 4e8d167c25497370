package chat

import (
	"testing"
	"time"
)

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	defer rl.Close()

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if rl.Allow("a") {
		t.Fatal("expected third immediate request to be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("expected independent key to be allowed")
	}
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()

	rl.Allow("a")
	rl.evict(time.Now().Add(time.Hour))

	rl.mu.Lock()
	n := len(rl.limiters)
	rl.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected idle limiter to be evicted, %d left", n)
	}
	if !rl.Allow("a") {
		t.Fatal("expected a fresh bucket after eviction")
	}
}
