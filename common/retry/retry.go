// Package retry runs an operation with exponential backoff until it
// succeeds, fails permanently, or runs out of attempts.
//
// Usage:
//
//	err := retry.Do(ctx, retry.DefaultBackoff, func(ctx context.Context) error {
//	    return pool.Ping(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Backoff controls the retry schedule.
type Backoff struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 mean a single call.
	Attempts int
	// Initial is the wait before the second call. Later waits double up to
	// Max.
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff suits connecting to a database that may still be starting.
var DefaultBackoff = Backoff{
	Attempts: 5,
	Initial:  200 * time.Millisecond,
	Max:      5 * time.Second,
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it returns nil, returns a Permanent error, or the
// attempts are used up. The last error is returned, joined with the context
// error if ctx ended first.
func Do(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	if b.Attempts < 1 {
		b.Attempts = 1
	}
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}

	delay := b.Initial
	var lastErr error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == b.Attempts {
			break
		}

		slog.Debug("retry: attempt failed", "attempt", attempt, "attempts", b.Attempts, "delay", delay, "err", lastErr)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, b.Max)
	}
	return lastErr
}
