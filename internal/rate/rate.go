// Package rate limits order submissions per account over a fixed
// window. The redis limiter is authoritative in production; the memory
// limiter serves paper-trading mode and tests.
package rate

import (
	"context"
	"sync"
	"time"
)

// Decision is the limiter's answer for one submission.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, accountID string) (Decision, error)
}

type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	count int
	reset time.Time
}

func NewMemory(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		buckets: map[string]*bucket{},
		swept:   time.Now(),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, accountID string) (Decision, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) >= l.window {
		for k, b := range l.buckets {
			if now.After(b.reset) {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[accountID]
	if !ok || now.After(b.reset) {
		l.buckets[accountID] = &bucket{count: 1, reset: now.Add(l.window)}
		return Decision{Allowed: true}, nil
	}
	if b.count >= l.limit {
		retryAfter := time.Until(b.reset)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{RetryAfter: retryAfter}, nil
	}
	b.count++
	return Decision{Allowed: true}, nil
}
