package storage

import (
	"context"
	"fmt"
	"time"

	"docucore/internal/retry"
	"docucore/internal/types"
)

// RetryableVectorStore wraps a VectorStore with retry logic for transient
// network and availability failures.
type RetryableVectorStore struct {
	store   VectorStore
	retrier *retry.Retrier
}

// NewRetryableVectorStore wraps store with config, or a sensible default
// if config is nil.
func NewRetryableVectorStore(store VectorStore, config *retry.Config) VectorStore {
	if config == nil {
		config = defaultRetryConfig()
	}
	return &RetryableVectorStore{
		store:   store,
		retrier: retry.New(config),
	}
}

func defaultRetryConfig() *retry.Config {
	return &retry.Config{
		MaxAttempts:     3,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         isRetryableStorageError,
	}
}

// isRetryableStorageError matches network/availability errors that are
// worth retrying; validation and integrity errors are not.
func isRetryableStorageError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
	}

	for _, pattern := range transientPatterns {
		if containsIgnoreCase(errStr, pattern) {
			return true
		}
	}

	type temporary interface {
		Temporary() bool
	}
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}

	return false
}

func containsIgnoreCase(s, substr string) bool {
	if len(s) < len(substr) {
		return false
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		if equalsFoldRange(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalsFoldRange(s, t string) bool {
	if len(s) != len(t) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if toLower(s[i]) != toLower(t[i]) {
			return false
		}
	}
	return true
}

func toLower(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func (r *RetryableVectorStore) Initialize(ctx context.Context) error {
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.store.Initialize(ctx)
	})
	if result.Err != nil {
		return fmt.Errorf("failed to initialize after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}

func (r *RetryableVectorStore) Upsert(ctx context.Context, points []VectorPoint) error {
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.store.Upsert(ctx, points)
	})
	if result.Err != nil {
		return fmt.Errorf("failed to upsert after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}

func (r *RetryableVectorStore) Search(ctx context.Context, vector []float32, limit int, filter *VectorFilter) ([]VectorSearchResult, error) {
	var hits []VectorSearchResult
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		hits, err = r.store.Search(ctx, vector, limit, filter)
		return err
	})
	if result.Err != nil {
		return nil, fmt.Errorf("search failed after %d attempts: %w", result.Attempts, result.Err)
	}
	return hits, nil
}

func (r *RetryableVectorStore) Delete(ctx context.Context, ids []types.PointID) error {
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.store.Delete(ctx, ids)
	})
	if result.Err != nil {
		return fmt.Errorf("delete failed after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}

func (r *RetryableVectorStore) DeleteByFilter(ctx context.Context, filter VectorFilter) error {
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.store.DeleteByFilter(ctx, filter)
	})
	if result.Err != nil {
		return fmt.Errorf("delete by filter failed after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}

func (r *RetryableVectorStore) HealthCheck(ctx context.Context) error {
	healthConfig := &retry.Config{
		MaxAttempts:     5,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Multiplier:      1.5,
		RandomizeFactor: 0.1,
		RetryIf:         isRetryableStorageError,
	}

	healthRetrier := retry.New(healthConfig)
	result := healthRetrier.Do(ctx, func(ctx context.Context) error {
		return r.store.HealthCheck(ctx)
	})
	if result.Err != nil {
		return fmt.Errorf("health check failed after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}

// Close is not retried: a failed close is unlikely to succeed on replay.
func (r *RetryableVectorStore) Close() error {
	return r.store.Close()
}
