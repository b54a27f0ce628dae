package gateway

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultRatePerSecond = 20
	DefaultBurst         = 40
	DefaultMaxConcurrent = 8
)

const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// ClientRateLimiter is a per-client token bucket plus a cap on requests in
// flight. Tokens refill continuously at rate per second up to burst.
type ClientRateLimiter struct {
	mu            sync.Mutex
	rate          float64
	burst         float64
	tokens        float64
	maxConcurrent int
	concurrent    int
	last          time.Time
	now           func() time.Time
}

// NewClientRateLimiter creates a rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRatePerSecond, DefaultBurst, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// Non-positive values fall back to the defaults.
func NewClientRateLimiterWithLimits(ratePerSecond float64, burst, maxConcurrent int) *ClientRateLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultRatePerSecond
	}
	if burst <= 0 {
		burst = int(math.Ceil(ratePerSecond))
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		rate:          ratePerSecond,
		burst:         float64(burst),
		tokens:        float64(burst),
		maxConcurrent: maxConcurrent,
		last:          time.Now(),
		now:           time.Now,
	}
}

// Acquire takes a token and a concurrency slot. On success the caller must
// call Release when the request finishes.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent >= r.maxConcurrent {
		return false, reasonTooConcurrent
	}

	r.refill()
	if r.tokens < 1 {
		return false, reasonRateLimited
	}
	r.tokens--
	r.concurrent++
	return true, ""
}

// Release frees the concurrency slot taken by Acquire.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent > 0 {
		r.concurrent--
	}
}

// GetStats returns the available tokens and requests in flight.
func (r *ClientRateLimiter) GetStats() (tokens float64, concurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	return r.tokens, r.concurrent
}

func (r *ClientRateLimiter) refill() {
	now := r.now()
	elapsed := now.Sub(r.last).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens = math.Min(r.burst, r.tokens+elapsed*r.rate)
	r.last = now
}
