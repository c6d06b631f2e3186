package ratelimit

import "testing"

func TestConnLimiter_AllowsBurstThenBlocks(t *testing.T) {
	cl := NewConnLimiter(2)

	if !cl.Allow() {
		t.Fatal("expected first message to be allowed")
	}
	if !cl.Allow() {
		t.Fatal("expected second message (within burst) to be allowed")
	}
	if cl.Allow() {
		t.Fatal("expected third immediate message to be throttled")
	}
}

func TestConnLimiter_MinimumBurstOfOne(t *testing.T) {
	cl := NewConnLimiter(0.1)
	if !cl.Allow() {
		t.Fatal("expected at least one message to be allowed even at sub-1 rates")
	}
}
