package util

import (
	"context"
	"errors"
	"time"
)

// BackoffFunc returns the delay to wait after the given failed attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy bounds how often and how patiently an operation is retried.
//
// MaxAttempts counts the first call. Backoff is consulted between attempts
// only, so a policy with three attempts waits twice. OnRetry, when set, is
// called before each wait.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	Sleep       SleepFunc
	OnRetry     func(attempt int, err error, delay time.Duration)
}

// ExponentialBackoff doubles base for every failed attempt: base, 2*base, 4*base, ...
func ExponentialBackoff(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base << (attempt - 1)
	}
}

// ConstantBackoff always waits d.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. WithRetry returns the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WithRetry calls fn until it succeeds, the policy is exhausted, ctx is done
// or fn returns a Permanent error. The last error is returned.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := policy.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		var delay time.Duration
		if policy.Backoff != nil {
			delay = policy.Backoff(attempt)
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// WithRetryErr is WithRetry for operations without a result.
func WithRetryErr(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	_, err := WithRetry(ctx, policy, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}
