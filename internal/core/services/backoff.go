// Package services contains core business logic
// Following Hexagonal Architecture: Services orchestrate domain logic using ports
package services

import (
	"context"
	"math/rand"
	"time"

	"connect-bridge/internal/core/domain"
)

// BackoffPolicy is the one retry policy shared by the subscription manager
// and the connection monitor. Attempt delays grow by Multiplier from
// BaseDelay up to MaxDelay, with optional jitter.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64 // Fraction of the delay randomized, 0..1
}

// DefaultBackoff matches the platform's webhook retry expectations: a few
// quick attempts, nothing open-ended.
var DefaultBackoff = BackoffPolicy{
	MaxAttempts: 4,
	BaseDelay:   500 * time.Millisecond,
	Multiplier:  2.0,
	MaxDelay:    30 * time.Second,
	Jitter:      0.2,
}

// Delay returns the wait before the given attempt (1-based). Attempt 1 has
// no wait.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := float64(p.BaseDelay)
	for i := 2; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}

	if p.Jitter > 0 {
		d += d * p.Jitter * rand.Float64()
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempt budget is exhausted, or ctx is cancelled. Only errors classified
// retryable by domain.IsRetryable consume further attempts.
func (p BackoffPolicy) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if wait := p.Delay(attempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			return err
		}
	}
	return err
}
