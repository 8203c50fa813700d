// Package retry implements the exponential backoff shared by signal
// fan-out, the adapter HTTP client, notification dispatch and the
// escalation worker:
//
//	delay = min(max, initial * 2^attempt) + uniform(0, 0.25 * delay)
//
// An upstream Retry-After hint carried on the error overrides the
// computed delay for that attempt.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/beaconops/beacon-core/packages/go-core/apperr"
)

// Policy describes one retry schedule. Zero values are replaced by the
// defaults from Default().
type Policy struct {
	// MaxRetries is the number of attempts after the first; 3 means up
	// to 4 invocations in total.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Default returns the schedule used when a call site has no tuned policy.
func Default() Policy {
	return Policy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second}
}

func (p Policy) withDefaults() Policy {
	d := Default()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Base computes the undithered delay for a zero-indexed attempt.
func (p Policy) Base(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Delay returns Base plus up to 25% positive jitter. Jitter is additive
// only so the delay never undershoots the exponential floor.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base(attempt)
	quarter := base / 4
	if quarter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(quarter)))
}

// Do invokes fn until it succeeds, the retryable classifier declines the
// error, retries are exhausted, or ctx is cancelled. A nil classifier
// retries every error. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.delayFor(lastErr, attempt-1)); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// delayFor applies the Retry-After override when the failed attempt's
// error carries one (429/503 responses propagate it this way).
func (p Policy) delayFor(err error, attempt int) time.Duration {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		return ae.RetryAfter
	}
	return p.Delay(attempt)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
