// Package ratelimit provides a deterministic token bucket for per-connection
// signaling message limits.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so bucket behavior is testable without sleeping.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanosPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// fill rate of R tokens/sec adds exactly R nano-tokens per elapsed nanosecond
// without float rounding.
const nanosPerToken = int64(time.Second)

// TokenBucket refills at an integer rate (tokens/sec) up to a fixed capacity.
// A nil *TokenBucket allows everything.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // nano-tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity * nanosPerToken,
		rate:      rate,
		available: capacity * nanosPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if b == nil || n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := n * nanosPerToken
	if cost/nanosPerToken != n || cost > b.available {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate == 0 {
		return
	}

	added := int64(elapsed) * b.rate
	if added/b.rate != int64(elapsed) || b.available+added > b.capacity {
		b.available = b.capacity
		return
	}
	b.available += added
}
