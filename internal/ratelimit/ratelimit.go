// Package ratelimit throttles request paths that start expensive work, such as
// creating threads and starting runs.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the request should proceed. An error signals a
	// limiter malfunction; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// New returns a MemoryLimiter, or a NoopLimiter when rate is not positive.
func New(rate float64, burst int) Limiter {
	if rate <= 0 {
		return NoopLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return NewMemoryLimiter(rate, burst)
}
