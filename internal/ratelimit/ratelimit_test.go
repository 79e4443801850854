package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func TestTokenBucket(t *testing.T) {
	clk := newClock()
	bucket := newTokenBucket(2, 5, clk.now)

	for i := 0; i < 5; i++ {
		assert.True(t, bucket.Allow(), "initial request %d", i)
	}
	assert.False(t, bucket.Allow(), "bucket should be empty")

	clk.advance(time.Second)
	assert.True(t, bucket.Allow())
	assert.True(t, bucket.Allow())
	assert.False(t, bucket.Allow())

	clk.advance(250 * time.Millisecond)
	assert.False(t, bucket.Allow(), "half a token is not enough")
	clk.advance(250 * time.Millisecond)
	assert.True(t, bucket.Allow(), "fractional refill accumulates")
}

func TestTokenBucketCapsAtCapacity(t *testing.T) {
	clk := newClock()
	bucket := newTokenBucket(100, 3, clk.now)
	clk.advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, bucket.Allow())
	}
	assert.False(t, bucket.Allow())
}

func TestLimiterPerKey(t *testing.T) {
	clk := newClock()
	l := newLimiter(0, 2, 3, clk.now)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("198.51.100.1"), "burst %d", i)
	}
	assert.False(t, l.Allow("198.51.100.1"))
	assert.True(t, l.Allow("198.51.100.2"), "other keys have their own bucket")
}

func TestLimiterGlobal(t *testing.T) {
	clk := newClock()
	l := newLimiter(2, 0, 2, clk.now)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("c"))
	assert.Equal(t, 0, l.Len(), "per-key tracking disabled")
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 0, 5)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("k"))
	}
}

func TestLimiterSweep(t *testing.T) {
	clk := newClock()
	l := newLimiter(0, 1, 1, clk.now)
	l.Allow("old")
	clk.advance(time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 1, l.Sweep(30*time.Second))
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Allow("old"), "swept key starts with a full bucket")
}
