// Package retry holds the bounded retry policies used for reconnecting the
// event channel, polling for device registration and retrying player
// commands. Every policy has an attempt ceiling so that no loop waits forever.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// ErrExhausted is returned (wrapping the last failure) once a policy has
// used up all of its attempts on retryable errors.
var ErrExhausted = errors.New("retry attempts exhausted")

type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts uint64
	Delay    time.Duration
	// MaxDelay caps the delay when Exponential is set.
	MaxDelay    time.Duration
	Exponential bool
}

// Constant returns a fixed-delay policy.
func Constant(attempts uint64, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay}
}

func (p Policy) backoff() goretry.Backoff {
	delay := p.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	var b goretry.Backoff
	if p.Exponential {
		b = goretry.NewExponential(delay)
		if p.MaxDelay > 0 {
			b = goretry.WithCappedDuration(p.MaxDelay, b)
		}
	} else {
		b = goretry.NewConstant(delay)
	}
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	return goretry.WithMaxRetries(attempts-1, b)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Retryable marks err as transient. Errors that are not marked stop the
// loop immediately and are returned as is.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Func is called once per attempt. The attempt number starts at 1.
type Func func(ctx context.Context, attempt int) error

// Do runs fn until it succeeds, returns an error that was not marked
// Retryable, the context is done, or the policy runs out of attempts.
func Do(ctx context.Context, p Policy, fn Func) error {
	var (
		attempt int
		last    error
	)
	err := goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var t *transientError
		if errors.As(err, &t) {
			last = t.err
			return goretry.RetryableError(err)
		}
		last = nil
		return err
	})
	switch {
	case err == nil:
		return nil
	case last == nil:
		return err
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w (last error: %w)", err, last)
	default:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, last)
	}
}
