package engine

import (
	"errors"
	"math/rand/v2"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = time.Second
	defaultRetryMaxDelay = 30 * time.Second
	defaultRetryJitter   = 0.2
)

// RetryPolicy decides how often and how long to wait between attempts.
type RetryPolicy struct {
	// MaxAttempts counts the first run. 1 disables retries.
	MaxAttempts int
	// Backoff returns the delay before attempt n+1, given the failed attempt n (1-based).
	Backoff func(attempt int) time.Duration
	// MaxDelay caps RetryAfter hints. 0 means 30s.
	MaxDelay time.Duration
}

// DefaultRetryPolicy: 3 attempts, 1s base doubling up to 30s, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultRetryAttempts,
		Backoff:     ExponentialBackoff(defaultRetryBase, defaultRetryMaxDelay, defaultRetryJitter),
		MaxDelay:    defaultRetryMaxDelay,
	}
}

// ExponentialBackoff returns base*2^(attempt-1), capped at max, with
// +/- jitter applied (0.2 = 20%).
func ExponentialBackoff(base, max time.Duration, jitter float64) func(attempt int) time.Duration {
	if base <= 0 {
		base = defaultRetryBase
	}
	if max <= 0 {
		max = defaultRetryMaxDelay
	}
	if jitter < 0 {
		jitter = 0
	}
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > max {
				d = max
				break
			}
		}
		return applyJitter(d, jitter, max)
	}
}

func applyJitter(d time.Duration, jitter float64, max time.Duration) time.Duration {
	if jitter > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryAttempts
	}
	if p.Backoff == nil {
		p.Backoff = ExponentialBackoff(defaultRetryBase, defaultRetryMaxDelay, defaultRetryJitter)
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultRetryMaxDelay
	}
	return p
}

// delay respects explicit RetryAfter hints (bounded by MaxDelay, jittered)
// and otherwise asks Backoff.
func (p RetryPolicy) delay(attempt int, err error) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		return applyJitter(d, defaultRetryJitter, p.MaxDelay)
	}
	d := p.Backoff(attempt)
	if d < 0 {
		d = 0
	}
	return d
}
