// Package retry runs remote operations under an exponential backoff schedule.
// Only errors marked with Retryable are retried; anything else ends the loop.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config is the retry schedule.
type Config struct {
	// MaxAttempts bounds the total number of calls. Zero retries until the
	// context ends.
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      float64

	// OnRetry is called after a failed attempt, before waiting, with the
	// number of the attempt about to run (1 for the first retry).
	OnRetry func(attempt int, err error)
}

// DefaultConfig is the Dataverse request policy: three attempts, starting
// at 500ms and capped at 10s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryableError marks a transient failure.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as transient. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// IsRetryable reports whether err carries the transient marker.
func IsRetryable(err error) bool {
	var r RetryableError
	return errors.As(err, &r)
}

// Unwrap removes the transient marker.
func Unwrap(err error) error {
	var r RetryableError
	if errors.As(err, &r) {
		return r.Err
	}
	return err
}

func schedule(ctx context.Context, cfg Config) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if cfg.InitialWait > 0 {
		exp.InitialInterval = cfg.InitialWait
	}
	if cfg.MaxWait > 0 {
		exp.MaxInterval = cfg.MaxWait
	}
	if cfg.Multiplier >= 1 {
		exp.Multiplier = cfg.Multiplier
	}
	exp.RandomizationFactor = cfg.Jitter
	// attempts bound the loop, not elapsed time
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = exp
	if cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Do calls fn until it succeeds, fails permanently or attempts run out.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for operations that return a value. When attempts run
// out, the last value and the last (still marked) error are returned.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	attempt := 0
	op := func() (T, error) {
		r, err := fn()
		if err != nil && !IsRetryable(err) {
			return r, backoff.Permanent(err)
		}
		return r, err
	}
	notify := func(err error, _ time.Duration) {
		attempt++
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
	}
	return backoff.RetryNotifyWithData(op, schedule(ctx, cfg), notify)
}
