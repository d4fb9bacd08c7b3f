package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentry/internal/errors"
)

func newTestGuard(t *testing.T, threshold int) *Guard {
	t.Helper()
	cache, err := NewFallbackCache(8)
	require.NoError(t, err)
	breaker := NewCircuitBreaker("database", CircuitBreakerConfig{
		FailureThreshold: threshold,
		OpenDuration:     time.Minute,
		CallTimeout:      time.Second,
	})
	return NewGuard("database", breaker, cache)
}

func TestGuardSuccessCachesResult(t *testing.T) {
	guard := newTestGuard(t, 3)

	result := guard.Do(context.Background(), "user:42", func(ctx context.Context) (any, error) {
		return "profile", nil
	})

	assert.Equal(t, CallOK, result.Status)
	assert.Equal(t, "profile", result.Value)

	cached, _, ok := guard.cache.Get("user:42")
	require.True(t, ok)
	assert.Equal(t, "profile", cached)
}

func TestGuardServesCacheWhileOpen(t *testing.T) {
	guard := newTestGuard(t, 1)
	ctx := context.Background()

	guard.Do(ctx, "user:42", func(ctx context.Context) (any, error) {
		return "profile", nil
	})

	// Trip the breaker.
	guard.Do(ctx, "user:42", func(ctx context.Context) (any, error) {
		return nil, fmt.Errorf("connection refused")
	})
	require.Equal(t, StateOpen, guard.Breaker().State())

	result := guard.Do(ctx, "user:42", func(ctx context.Context) (any, error) {
		t.Fatal("open circuit must not invoke the operation")
		return nil, nil
	})

	assert.Equal(t, CallDegraded, result.Status)
	assert.Equal(t, "profile", result.Value)
	assert.True(t, errors.IsCircuitOpen(result.Err))
	assert.False(t, result.CachedAt.IsZero())
}

func TestGuardFailsWithoutCache(t *testing.T) {
	guard := newTestGuard(t, 1)

	result := guard.Do(context.Background(), "user:7", func(ctx context.Context) (any, error) {
		return nil, fmt.Errorf("connection refused")
	})

	assert.Equal(t, CallFailed, result.Status)
	assert.True(t, errors.IsServiceUnavailable(result.Err))
	assert.Nil(t, result.Value)
}

func TestGuardFailedCallFallsBackToCache(t *testing.T) {
	guard := newTestGuard(t, 5)
	ctx := context.Background()

	guard.Do(ctx, "user:42", func(ctx context.Context) (any, error) {
		return "profile-v1", nil
	})

	// Breaker still closed after one failure, but the caller gets the cached
	// value as a degraded result instead of the error.
	result := guard.Do(ctx, "user:42", func(ctx context.Context) (any, error) {
		return nil, fmt.Errorf("timeout")
	})

	assert.Equal(t, CallDegraded, result.Status)
	assert.Equal(t, "profile-v1", result.Value)
	assert.Equal(t, StateClosed, guard.Breaker().State())
}

func TestFallbackCacheEvictsOldest(t *testing.T) {
	cache, err := NewFallbackCache(2)
	require.NoError(t, err)

	cache.Put("a", 1)
	cache.Put("b", 2)
	cache.Put("c", 3)

	assert.Equal(t, 2, cache.Len())
	_, _, ok := cache.Get("a")
	assert.False(t, ok)
}
