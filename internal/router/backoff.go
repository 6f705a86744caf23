package router

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds broker dispatch retries. Delays grow
// exponentially from BaseDelay, are capped at MaxDelay and fully
// jittered so synchronized retries from many lanes spread out.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Delay returns the sleep before the given attempt number (1-based;
// attempt 1 already failed once).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 10 * time.Second
	}

	// 2^(attempt-1), capped before the shift can overflow.
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	ceiling := base * time.Duration(1<<shift)
	if ceiling > max {
		ceiling = max
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
