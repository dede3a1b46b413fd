// Package retry wraps fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes how an operation is retried.
//
// MaxRetries counts additional attempts, so an operation runs at most
// MaxRetries+1 times. Retryable, when set, restricts which errors trigger a
// retry; anything it rejects propagates immediately. The last error is
// returned unchanged so callers can errors.Is/As against the original fault.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64 // 0.2 = +-20%; 0 disables jitter
	Retryable  func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// Do runs fn, retrying per the policy. The delay before attempt n+1 is
// BaseDelay * 2^(n-1), capped at MaxDelay. Waiting suspends on a timer and
// aborts early when ctx is done (ctx.Err() is returned in that case).
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var last error
	maxAttempts := 1 + p.MaxRetries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return last
		}
		if attempt >= maxAttempts {
			break
		}

		tmr := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return last
}

// DoValue is Do for operations that produce a value. On failure the zero T is
// returned alongside the last error.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// delay computes the backoff before the attempt following failure #attempt.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		r := (rand.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
