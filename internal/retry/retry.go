// Package retry provides exponential backoff with jitter for outbound calls.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single backoff sleep. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy suits fire-and-forget notification delivery.
var DefaultPolicy = Policy{MaxAttempts: 4, BaseDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}

// Backoff returns the sleep before retry number attempt (0-based):
// BaseDelay doubled per attempt, capped, with +-25% jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt && (p.MaxDelay == 0 || delay < p.MaxDelay); i++ {
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := int64(delay / 4)
	if jitter <= 0 {
		return delay
	}
	return delay - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1)) // #nosec G404 -- jitter, not security
}

// Do calls fn until it succeeds, returns a permanent error, the attempts
// run out, or ctx is cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

// Do runs fn under DefaultPolicy.
func Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return DefaultPolicy.Do(ctx, fn)
}
