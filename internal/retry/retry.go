// Package retry runs store and storage calls under a bounded exponential
// backoff policy. Backoff scheduling is delegated to sethvargo/go-retry; this
// package decides what is retryable and how failures surface to callers.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/mohammed-shakir/geotile-cache/internal/core/errs"
	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
)

// Policy is immutable once built and may be shared by any number of
// concurrent calls; all per-call state lives inside Do.
type Policy struct {
	// Name labels retry metrics, e.g. "store.query".
	Name            string
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	// Retryable classifies a failed attempt. Nil means DefaultClassifier.
	Retryable func(error) bool
}

// DefaultPolicy matches the RETRY_* config defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

// Quick is for cheap, latency sensitive calls such as cache round trips.
func Quick() Policy {
	return Policy{
		MaxAttempts:     2,
		BaseDelay:       20 * time.Millisecond,
		MaxDelay:        100 * time.Millisecond,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

// Named returns a copy of p labelled n.
func (p Policy) Named(n string) Policy {
	p.Name = n
	return p
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.ExponentialBase < 1 {
		p.ExponentialBase = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Duration(math.MaxInt64)
	}
	if p.Retryable == nil {
		p.Retryable = DefaultClassifier
	}
	return p
}

// Delay is the un-jittered wait after the given 0-indexed failed attempt:
// min(MaxDelay, BaseDelay * ExponentialBase^attempt).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// jittered adds up to 10% on top of d, never below it.
func (p Policy) jittered(d time.Duration) time.Duration {
	if !p.Jitter || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// policy runs out of attempts. Each attempt calls op afresh so no connection
// is held across a backoff sleep.
//
// Not-found and invalid-input errors are returned as-is. Every other failure
// comes back as *errs.FatalError; an exhausted retryable failure wraps an
// *errs.TransientError so it maps to 503.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var (
		out      T
		attempts int
		slept    time.Duration
		last     error
	)
	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		if attempts >= p.MaxAttempts {
			return 0, true
		}
		d := p.jittered(p.Delay(attempts - 1))
		slept += d
		return d, false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		v, err := op(ctx)
		if err == nil {
			out = v
			return nil
		}
		last = err
		if p.Retryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		observability.ObserveRetry(p.Name, "ok", attempts)
		return out, nil
	}

	var zero T
	if last == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		// cancelled before or between attempts
		observability.ObserveRetry(p.Name, "cancelled", attempts)
		return zero, &errs.FatalError{
			Cause:     &errs.TransientError{Op: "cancelled", Err: err},
			Attempts:  attempts,
			Backoff:   slept,
			Exhausted: true,
		}
	}
	switch errs.ClassOf(last) {
	case errs.ClassNotFound, errs.ClassInvalid:
		observability.ObserveRetry(p.Name, "rejected", attempts)
		return zero, last
	}
	if !p.Retryable(last) {
		observability.ObserveRetry(p.Name, "fatal", attempts)
		return zero, &errs.FatalError{Cause: last, Attempts: attempts, Backoff: slept}
	}
	cause := last
	var te *errs.TransientError
	if !errors.As(cause, &te) {
		cause = &errs.TransientError{Err: last}
	}
	observability.ObserveRetry(p.Name, "exhausted", attempts)
	return zero, &errs.FatalError{Cause: cause, Attempts: attempts, Backoff: slept, Exhausted: true}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
