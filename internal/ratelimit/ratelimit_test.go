package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTokenBucket_ConsumesCapacityThenRefuses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clock, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("token %d refused", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("allowed beyond capacity")
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clock, 2, 2)

	if !b.Allow(2) {
		t.Fatalf("initial capacity refused")
	}
	if b.Allow(1) {
		t.Fatalf("allowed with empty bucket")
	}

	clock.advance(500 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("refused after refill")
	}
	if b.Allow(1) {
		t.Fatalf("allowed more than refilled")
	}
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clock, 2, 100)

	clock.advance(time.Hour)
	if !b.Allow(2) {
		t.Fatalf("capacity refused after long idle")
	}
	if b.Allow(1) {
		t.Fatalf("bucket exceeded capacity after long idle")
	}
}

func TestTokenBucket_NilAllowsEverything(t *testing.T) {
	var b *TokenBucket
	if !b.Allow(1000) {
		t.Fatalf("nil bucket refused")
	}
}

func TestTokenBucket_NonPositiveAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(&fakeClock{now: time.Unix(0, 0)}, 0, 0)
	if !b.Allow(0) {
		t.Fatalf("Allow(0) refused")
	}
	if b.Allow(1) {
		t.Fatalf("zero-capacity bucket allowed a token")
	}
}
