// Package ratelimit throttles WebSocket attaches globally and per remote address.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills rate tokens per second up to capacity.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
	tb.lastUsed = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter combines an optional global bucket with one bucket per key.
// A rate of 0 disables that level.
type Limiter struct {
	mu      sync.Mutex
	global  *TokenBucket
	perKey  map[string]*TokenBucket
	keyRate int
	burst   int
	now     func() time.Time
}

// NewLimiter creates a limiter. burst is the capacity of every bucket.
func NewLimiter(globalRate, perKeyRate, burst int) *Limiter {
	return newLimiter(globalRate, perKeyRate, burst, time.Now)
}

func newLimiter(globalRate, perKeyRate, burst int, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{perKey: make(map[string]*TokenBucket), keyRate: perKeyRate, burst: burst, now: now}
	if globalRate > 0 {
		l.global = newTokenBucket(globalRate, burst, now)
	}
	return l
}

// Allow reports whether one more attach from key is permitted.
func (l *Limiter) Allow(key string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.keyRate <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.perKey[key]
	if !ok {
		b = newTokenBucket(l.keyRate, l.burst, l.now)
		l.perKey[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Sweep drops per-key buckets unused for longer than idle and returns how
// many were removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, b := range l.perKey {
		if b.idleSince().Before(cutoff) {
			delete(l.perKey, k)
			removed++
		}
	}
	return removed
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}
