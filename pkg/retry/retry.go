// Package retry runs an operation under an explicit, bounded retry policy.
//
// Callers describe the whole policy up front: how many attempts, how long to
// back off between them and which errors are worth another try. Operations
// can opt out per error with Permanent, or suggest a delay with After (for
// example from an HTTP Retry-After header).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential delay schedule: Base, 2*Base, 4*Base, ...
// capped at Max, each scaled by a random factor in [1-Jitter, 1+Jitter].
// A zero Base means no delay between attempts.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the pause before retry number n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 || n < 1 {
		return 0
	}
	maxD := b.Max
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return b.jitter(d, maxD)
}

func (b Backoff) jitter(d, maxD time.Duration) time.Duration {
	if b.Jitter > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * b.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts int
	Backoff     Backoff
	// Retryable decides whether err deserves another attempt. Nil retries
	// everything except Permanent errors and context cancellation.
	Retryable func(err error) bool
	// OnRetry, if set, is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Default is a conservative policy for network calls.
var Default = Policy{
	MaxAttempts: 3,
	Backoff:     Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: 0.2},
}

// Once never retries.
var Once = Policy{MaxAttempts: 1}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. It returns the number of attempts made
// and the last error, unwrapped from Permanent.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}

		var perm permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}
		if attempt >= maxAttempts || !p.retryable(err) {
			return attempt, err
		}

		delay := p.delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if delay <= 0 {
			if ctx.Err() != nil {
				return attempt, ctx.Err()
			}
			continue
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempt, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-tmr.C:
		}
	}
	return attempt, err
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (p Policy) delay(attempt int, err error) time.Duration {
	var hint afterError
	if errors.As(err, &hint) {
		maxD := p.Backoff.Max
		if maxD <= 0 {
			maxD = 15 * time.Second
		}
		d := hint.after
		if d > maxD {
			d = maxD
		}
		return p.Backoff.jitter(d, maxD)
	}
	return p.Backoff.Delay(attempt)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// After attaches a suggested delay to err. The delay is still capped by
// Backoff.Max and jittered.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	if d < 0 {
		d = 0
	}
	return afterError{err: err, after: d}
}

type afterError struct {
	err   error
	after time.Duration
}

func (e afterError) Error() string { return fmt.Sprintf("retry after %s: %v", e.after, e.err) }
func (e afterError) Unwrap() error { return e.err }
