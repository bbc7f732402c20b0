// Package retry wraps a blocking operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy wraps an operation with retries
type Policy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// SleepFunc waits d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Backoff retries fn up to Attempts times. The wait after the n-th failed
// attempt is Multiplier * 2^(n-1), clamped to [MinDelay, MaxDelay].
type Backoff struct {
	Attempts   int
	Multiplier time.Duration
	MinDelay   time.Duration
	MaxDelay   time.Duration

	// Sleep defaults to a timer honoring ctx; tests inject a recorder
	Sleep SleepFunc
}

// AnalysisBackoff is the policy around inference calls: three attempts,
// waits starting at two seconds and capped at one minute.
func AnalysisBackoff() Backoff {
	return Backoff{
		Attempts:   3,
		Multiplier: time.Second,
		MinDelay:   2 * time.Second,
		MaxDelay:   60 * time.Second,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Delay returns the wait after the given failed attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult <= 0 {
		mult = time.Second
	}

	d := mult
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			d = b.MaxDelay
			break
		}
	}

	if d < b.MinDelay {
		d = b.MinDelay
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, returns a permanent error, or attempts run out.
// The last error is returned unwrapped from its permanent marker.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	sleep := b.Sleep
	if sleep == nil {
		sleep = sleepTimer
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}

		var p *permanentError
		if errors.As(last, &p) {
			return p.err
		}

		if attempt == attempts {
			break
		}

		if err := sleep(ctx, b.Delay(attempt)); err != nil {
			return err
		}
	}

	return last
}

func sleepTimer(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
