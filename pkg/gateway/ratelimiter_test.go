package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance the limiter's notion of time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(rate float64, burst, maxConcurrent int) (*ClientRateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewClientRateLimiterWithLimits(rate, burst, maxConcurrent)
	limiter.now = clock.Now
	limiter.last = clock.Now()
	return limiter, clock
}

func TestClientRateLimiter_BurstThenRefill(t *testing.T) {
	limiter, clock := newTestLimiter(2, 3, 10)

	for i := 0; i < 3; i++ {
		ok, _ := limiter.Acquire()
		require.True(t, ok, "request %d within burst", i)
		limiter.Release()
	}

	ok, reason := limiter.Acquire()
	assert.False(t, ok)
	assert.Equal(t, reasonRateLimited, reason)

	clock.Advance(500 * time.Millisecond)
	ok, _ = limiter.Acquire()
	assert.True(t, ok)
	limiter.Release()

	ok, _ = limiter.Acquire()
	assert.False(t, ok)
}

func TestClientRateLimiter_RefillCapsAtBurst(t *testing.T) {
	limiter, clock := newTestLimiter(5, 4, 10)

	clock.Advance(time.Hour)
	tokens, _ := limiter.GetStats()
	assert.Equal(t, 4.0, tokens)
}

func TestClientRateLimiter_ConcurrencyCap(t *testing.T) {
	limiter, _ := newTestLimiter(100, 100, 2)

	ok1, _ := limiter.Acquire()
	ok2, _ := limiter.Acquire()
	require.True(t, ok1)
	require.True(t, ok2)

	ok, reason := limiter.Acquire()
	assert.False(t, ok)
	assert.Equal(t, reasonTooConcurrent, reason)

	limiter.Release()
	ok, _ = limiter.Acquire()
	assert.True(t, ok)

	_, concurrent := limiter.GetStats()
	assert.Equal(t, 2, concurrent)
}

func TestClientRateLimiter_ReleaseNeverGoesNegative(t *testing.T) {
	limiter := NewClientRateLimiter()
	limiter.Release()
	limiter.Release()

	_, concurrent := limiter.GetStats()
	assert.Zero(t, concurrent)
}

func TestClientRateLimiter_Defaults(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(0, 0, 0)
	tokens, concurrent := limiter.GetStats()
	assert.InDelta(t, float64(DefaultRatePerSecond), tokens, 0.5)
	assert.Zero(t, concurrent)
	assert.Equal(t, DefaultMaxConcurrent, limiter.maxConcurrent)
}

func TestClientRateLimiter_Concurrent(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(1, 50, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Acquire(); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 50 burst tokens plus at most a sliver of refill during the test.
	assert.GreaterOrEqual(t, allowed, 50)
	assert.LessOrEqual(t, allowed, 52)
}
