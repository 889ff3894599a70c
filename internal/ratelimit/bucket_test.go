package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, configs map[string]BucketConfig) *TokenBucket {
	t.Helper()
	tb := NewTokenBucket(configs)
	t.Cleanup(func() { _ = tb.Close() })
	return tb
}

func TestAllow_ConsumesUpToCapacity(t *testing.T) {
	tb := newLimiter(t, map[string]BucketConfig{
		"embedding": {MaxTokens: 3, RefillPerSec: 0, Enabled: true},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := tb.Allow(ctx, "embedding", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d within capacity", i)
	}

	allowed, retryAfter, err := tb.Allow(ctx, "embedding", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	// Refill rate is zero, so no finite wait can help; retryAfter stays 0.
	assert.Equal(t, time.Duration(0), retryAfter)
}

func TestAllow_BoundedConsumptionOverWindow(t *testing.T) {
	// Rate limiter law: over any window W, consumed <= maxTokens + W*rate.
	tb := newLimiter(t, map[string]BucketConfig{
		"embedding": {MaxTokens: 5, RefillPerSec: 100, Enabled: true},
	})
	ctx := context.Background()

	start := time.Now()
	consumed := 0
	for time.Since(start) < 100*time.Millisecond {
		allowed, _, err := tb.Allow(ctx, "embedding", 1)
		require.NoError(t, err)
		if allowed {
			consumed++
		}
	}
	window := time.Since(start).Seconds()

	bound := 5 + int(window*100) + 1
	assert.LessOrEqual(t, consumed, bound)
	assert.Greater(t, consumed, 0)
}

func TestAllow_DisabledBucketAlwaysAllowsWithoutConsuming(t *testing.T) {
	tb := newLimiter(t, map[string]BucketConfig{
		"embedding": {MaxTokens: 1, RefillPerSec: 0, Enabled: false},
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, retryAfter, err := tb.Allow(ctx, "embedding", 1)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Zero(t, retryAfter)
	}

	// Disabled buckets report full capacity: nothing was consumed.
	stats := tb.Stats("embedding")
	assert.Equal(t, float64(1), stats.Tokens)
}

func TestAllow_UnknownKeyAllows(t *testing.T) {
	tb := newLimiter(t, nil)
	allowed, _, err := tb.Allow(context.Background(), "anything", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllow_RefillRestoresTokens(t *testing.T) {
	tb := newLimiter(t, map[string]BucketConfig{
		"embedding": {MaxTokens: 1, RefillPerSec: 1000, Enabled: true},
	})
	ctx := context.Background()

	allowed, _, err := tb.Allow(ctx, "embedding", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	assert.Eventually(t, func() bool {
		ok, _, err := tb.Allow(ctx, "embedding", 1)
		return err == nil && ok
	}, time.Second, time.Millisecond)
}

func TestAllow_DeniedReportsRetryAfter(t *testing.T) {
	tb := newLimiter(t, map[string]BucketConfig{
		"embedding": {MaxTokens: 1, RefillPerSec: 2, Enabled: true},
	})
	ctx := context.Background()

	_, _, err := tb.Allow(ctx, "embedding", 1)
	require.NoError(t, err)

	allowed, retryAfter, err := tb.Allow(ctx, "embedding", 1)
	require.NoError(t, err)
	require.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Second)
}

func TestStats_TracksAllowedAndDenied(t *testing.T) {
	tb := newLimiter(t, map[string]BucketConfig{
		"embedding": {MaxTokens: 2, RefillPerSec: 0, Enabled: true},
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _, err := tb.Allow(ctx, "embedding", 1)
		require.NoError(t, err)
	}

	stats := tb.Stats("embedding")
	assert.Equal(t, int64(2), stats.Allowed)
	assert.Equal(t, int64(2), stats.Denied)
	assert.Equal(t, 2, stats.MaxTokens)
}

func TestSweep_EvictsIdleBuckets(t *testing.T) {
	tb := newLimiter(t, map[string]BucketConfig{
		"embedding": {MaxTokens: 2, RefillPerSec: 0, Enabled: true},
	})
	tb.idleTTL = time.Millisecond
	ctx := context.Background()

	_, _, err := tb.Allow(ctx, "embedding", 1)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	tb.sweep()

	tb.mu.RLock()
	_, present := tb.buckets["embedding"]
	tb.mu.RUnlock()
	assert.False(t, present)

	// A fresh bucket after eviction starts at full capacity again.
	allowed, _, err := tb.Allow(ctx, "embedding", 2)
	require.NoError(t, err)
	assert.True(t, allowed)
}
