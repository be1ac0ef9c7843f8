// Package retry provides a shared backoff policy for operations that talk to
// flaky collaborators (the database on startup, the embedding provider).
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff schedule. The delay before
// attempt n is BaseDelay * 2^(n-1), capped at MaxDelay, with up to Jitter
// fraction of random spread so concurrent retriers do not stampede.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0..1 fraction of the delay
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do stops retrying and returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, returns a permanent error, exhausts
// MaxAttempts, or ctx is cancelled. The error from the last attempt is
// returned after exhaustion; a permanent error is returned unwrapped.
func (p Policy) Do(ctx context.Context, op func() error) error {
	if p.MaxAttempts <= 0 {
		return errors.New("retry: max attempts must be positive")
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// delay returns the backoff before the attempt following attempt n.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}
