package utils

import (
	"context"
	"fmt"
	"math"
	"time"

	apperrors "mt5-trader/internal/errors"
)

// RetryPolicy holds retry configuration.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of attempts, including the first.
	MaxAttempts int
	// Multiplier scales the exponential term, in seconds.
	Multiplier float64
	// MinWait and MaxWait clamp every computed delay.
	MinWait time.Duration
	MaxWait time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryPolicy returns the default retry policy: three attempts,
// waits of 2^(n-1) seconds clamped to [4s, 10s].
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Multiplier:  1,
		MinWait:     4 * time.Second,
		MaxWait:     10 * time.Second,
		Retryable:   apperrors.IsRetryable,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := p.Multiplier * math.Pow(2, float64(attempt-1))
	d := time.Duration(secs * float64(time.Second))
	if d < p.MinWait {
		d = p.MinWait
	}
	if p.MaxWait > 0 && d > p.MaxWait {
		d = p.MaxWait
	}
	return d
}

// MaxElapsed is the upper bound on total backoff time across all attempts.
func (p RetryPolicy) MaxElapsed() time.Duration {
	var total time.Duration
	for n := 1; n < p.MaxAttempts; n++ {
		total += p.Backoff(n)
	}
	return total
}

// RetryWithBackoff calls fn until it succeeds, returns a non-retryable error,
// or MaxAttempts is reached. It returns the value, the number of attempts
// made, and the final error. Exhaustion is reported as *errors.ExhaustedError.
func RetryWithBackoff[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, attempt, nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return zero, attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if serr := Sleep(ctx, wait); serr != nil {
			return zero, attempt, fmt.Errorf("retry aborted after %d attempts: %w", attempt, lastErr)
		}
	}

	return zero, maxAttempts, &apperrors.ExhaustedError{Attempts: maxAttempts, Last: lastErr}
}

// Retry is RetryWithBackoff for functions without a result.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	_, _, err := RetryWithBackoff(ctx, p, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Sleep pauses for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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
