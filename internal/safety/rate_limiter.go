package safety

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket. Tokens refill continuously at refillRate per
// second up to capacity.
type RateLimiter struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(capacity, refillRate int) *RateLimiter {
	return &RateLimiter{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: time.Now(),
	}
}

// Allow takes one token if available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.waitHint()):
		}
	}
}

// refill adds tokens for elapsed time. Caller holds rl.mu.
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
	rl.lastRefill = now
}

func (rl *RateLimiter) waitHint() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		return time.Millisecond
	}
	needed := 1 - rl.tokens
	return time.Duration(needed/rl.refillRate*1000+10) * time.Millisecond
}

// LimiterSet names buckets for the distinct venue budgets (trading, market
// data, account data).
type LimiterSet struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
}

// NewLimiterSet creates an empty set.
func NewLimiterSet() *LimiterSet {
	return &LimiterSet{limiters: make(map[string]*RateLimiter)}
}

// GetOrCreate returns the named limiter, creating it on first use.
func (s *LimiterSet) GetOrCreate(name string, capacity, refillRate int) *RateLimiter {
	s.mu.RLock()
	if rl, ok := s.limiters[name]; ok {
		s.mu.RUnlock()
		return rl
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if rl, ok := s.limiters[name]; ok {
		return rl
	}
	rl := NewRateLimiter(capacity, refillRate)
	s.limiters[name] = rl
	return rl
}
