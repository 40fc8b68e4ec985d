// Package retry repeats content backend calls that fail transiently.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/fruitsalade/resources/internal/resource"
)

// Config describes an exponential backoff.
type Config struct {
	// MaxAttempts of zero retries until ctx is done.
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	// Jitter spreads each wait by up to this fraction in both directions.
	Jitter float64
}

// DefaultConfig returns the backoff used for content store calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

type transient struct{ err error }

func (e transient) Error() string { return e.err.Error() }
func (e transient) Unwrap() error { return e.err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return transient{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var t transient
	return errors.As(err, &t)
}

// Do runs fn until it succeeds, fails permanently, runs out of
// attempts, or ctx is done. Cancellation yields resource.ErrCanceled.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions returning a value. After the last
// attempt the last error is returned as is.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	wait := cfg.InitialWait
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil || !IsRetryable(err) {
			return v, err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return zero, err
		}
		if err := sleep(ctx, cfg.jittered(wait)); err != nil {
			return zero, err
		}
		wait = min(time.Duration(float64(wait)*cfg.Multiplier), cfg.MaxWait)
	}
}

func (cfg Config) jittered(d time.Duration) time.Duration {
	if cfg.Jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*cfg.Jitter*(rand.Float64()*2-1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return resource.Canceled(ctx.Err())
	case <-t.C:
		return nil
	}
}
