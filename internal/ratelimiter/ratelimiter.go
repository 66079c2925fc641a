package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter provides request rate limiting using the token bucket
// algorithm, wrapping golang.org/x/time/rate:
//   - tokens accrue at a constant sustained rate
//   - each request consumes one token
//   - burst capacity absorbs temporary spikes above the sustained rate
//
// Thread safety: all methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter with the given sustained rate and burst
// capacity. requestsPerSecond = 0 disables limiting.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		// effectively unlimited; rate.Inf has edge cases with Wait
		requestsPerSecond = 1_000_000_000
		burst = requestsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow reports whether a request may proceed, consuming a token when it
// may. Requests that exceed the limit should be rejected, not queued.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// KeyedLimiter maintains one token bucket per key. The perimeter uses it to
// limit transfer ingestion per remote identity, so one noisy sender cannot
// starve the others.
//
// Buckets are created lazily on first use and never evicted; the key space
// (known remote identities) is small and bounded by the host's connections.
type KeyedLimiter struct {
	requestsPerSecond uint
	burst             uint

	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

// NewKeyed creates a KeyedLimiter whose per-key buckets share the given
// rate and burst. requestsPerSecond = 0 disables limiting for every key.
func NewKeyed(requestsPerSecond, burst uint) *KeyedLimiter {
	return &KeyedLimiter{
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		limiters:          make(map[string]*RateLimiter),
	}
}

// Allow reports whether a request for the given key may proceed.
func (k *KeyedLimiter) Allow(key string) bool {
	return k.get(key).Allow()
}

// Wait blocks until the key's bucket has a token or the context is
// cancelled.
func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return k.get(key).Wait(ctx)
}

func (k *KeyedLimiter) get(key string) *RateLimiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	limiter, ok := k.limiters[key]
	if !ok {
		limiter = New(k.requestsPerSecond, k.burst)
		k.limiters[key] = limiter
	}
	return limiter
}
