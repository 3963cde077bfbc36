package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsedTime: time.Second}
}

func TestRetry(t *testing.T) {
	t.Run("retries retryable errors until success", func(t *testing.T) {
		attempts := 0
		v, err := Retry(context.Background(), fastPolicy(), func(context.Context) (int, error) {
			attempts++
			if attempts < 3 {
				return 0, fmt.Errorf("save: %w", hierarchy.ErrConflict)
			}
			return 7, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops at non-retryable errors", func(t *testing.T) {
		attempts := 0
		_, err := Retry(context.Background(), fastPolicy(), func(context.Context) (int, error) {
			attempts++
			return 0, fmt.Errorf("guard: %w", hierarchy.ErrCrossTenantAccess)
		})
		assert.ErrorIs(t, err, hierarchy.ErrCrossTenantAccess)
		assert.Equal(t, 1, attempts)
	})

	t.Run("honours max retries", func(t *testing.T) {
		policy := fastPolicy()
		policy.MaxRetries = 2
		attempts := 0
		_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
			attempts++
			return 0, hierarchy.ErrStoreUnavailable
		})
		assert.ErrorIs(t, err, hierarchy.ErrStoreUnavailable)
		assert.Equal(t, 3, attempts)
	})

	t.Run("cancelled context reports timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		policy := fastPolicy()
		policy.InitialInterval = 50 * time.Millisecond
		policy.MaxInterval = 50 * time.Millisecond
		_, err := Retry(ctx, policy, func(context.Context) (int, error) {
			cancel()
			return 0, hierarchy.ErrConflict
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, hierarchy.ErrTimeout))
		assert.True(t, errors.Is(err, hierarchy.ErrConflict))
	})
}
