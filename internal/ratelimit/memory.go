package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	idleEviction  = 10 * time.Minute
	sweepInterval = time.Minute
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory. Buckets idle
// for longer than ten minutes are evicted by a background sweep.
type MemoryLimiter struct {
	rate  float64 // tokens per second
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryLimiter returns a limiter refilling rate tokens per second up to
// burst. Call Close to stop the eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow takes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{tokens: m.burst - 1, seen: now}
		return true, nil
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.seen).Seconds()*m.rate)
	b.seen = now
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the eviction goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-idleEviction)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
