package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/canopy/pkg/hierarchy"
)

// RetryPolicy bounds Retry.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64 // 0 means bounded by MaxElapsedTime only
}

// DefaultRetryPolicy suits optimistic write conflicts between processes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		MaxElapsedTime:  10 * time.Second,
		MaxRetries:      10,
	}
}

// Retry runs op until it succeeds, returns a non-retryable error, or the
// policy or ctx gives up. Each attempt must re-read whatever state it depends
// on. The engine never retries internally; callers opt in with this helper.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval
	eb.MaxElapsedTime = policy.MaxElapsedTime

	var b backoff.BackOff = eb
	if policy.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, policy.MaxRetries)
	}
	b = backoff.WithContext(b, ctx)

	var (
		result  T
		lastErr error
	)
	err := backoff.Retry(func() error {
		out, err := op(ctx)
		if err == nil {
			result = out
			return nil
		}
		lastErr = err
		if !hierarchy.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err == nil {
		return result, nil
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		if lastErr != nil {
			return zero, fmt.Errorf("%w: retry abandoned: %w", hierarchy.ErrTimeout, lastErr)
		}
		return zero, fmt.Errorf("%w: %v", hierarchy.ErrTimeout, ctxErr)
	}
	return zero, err
}
