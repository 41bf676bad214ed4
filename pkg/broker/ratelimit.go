// Package broker defines the uniform BrokerAdapter contract and the
// shared RateLimiter/TTLCache every exchange client is built on top of.
package broker

import (
	"math/rand"
	"sync"
	"time"
)

// RateLimiter serializes calls per (account_id, endpoint) key, blocking
// the caller until min_interval has elapsed since the key's last call,
// with up to 10% jitter added. Distinct keys are independent; there is no
// global per-account limiter, so calls on different endpoints can overlap.
type RateLimiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastCalled  map[string]time.Time
}

// NewRateLimiter builds a limiter with the given per-key minimum interval.
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		minInterval: minInterval,
		lastCalled:  make(map[string]time.Time),
	}
}

// Wait blocks the caller until it is that key's turn.
func (rl *RateLimiter) Wait(key string) {
	rl.mu.Lock()
	last, ok := rl.lastCalled[key]
	now := time.Now()
	var wait time.Duration
	if ok {
		elapsed := now.Sub(last)
		if elapsed < rl.minInterval {
			remainder := rl.minInterval - elapsed
			jitter := time.Duration(rand.Int63n(int64(remainder/10 + 1)))
			wait = remainder + jitter
		}
	}
	rl.lastCalled[key] = now.Add(wait)
	rl.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
}

// Call runs fn after blocking on Wait(key).
func (rl *RateLimiter) Call(key string, fn func() error) error {
	rl.Wait(key)
	return fn()
}
