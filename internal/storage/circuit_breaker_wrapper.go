package storage

import (
	"context"
	"time"

	"docucore/internal/circuitbreaker"
	"docucore/internal/logging"
	"docucore/internal/types"
)

// CircuitBreakerVectorStore wraps a VectorStore with circuit breaker
// protection, failing fast once Qdrant is unhealthy instead of piling up
// timeouts.
type CircuitBreakerVectorStore struct {
	store VectorStore
	cb    *circuitbreaker.CircuitBreaker
}

// NewCircuitBreakerVectorStore wraps store with config, or a sensible
// default if config is nil.
func NewCircuitBreakerVectorStore(store VectorStore, config *circuitbreaker.Config) *CircuitBreakerVectorStore {
	if config == nil {
		config = &circuitbreaker.Config{
			FailureThreshold:      5,
			SuccessThreshold:      2,
			Timeout:               30 * time.Second,
			MaxConcurrentRequests: 3,
			OnStateChange: func(from, to circuitbreaker.State) {
				logging.Warn("vector store circuit breaker state change", "from", from, "to", to)
			},
		}
	}

	return &CircuitBreakerVectorStore{
		store: store,
		cb:    circuitbreaker.New(config),
	}
}

func (s *CircuitBreakerVectorStore) Initialize(ctx context.Context) error {
	return s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.store.Initialize(ctx)
	})
}

func (s *CircuitBreakerVectorStore) Upsert(ctx context.Context, points []VectorPoint) error {
	return s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.store.Upsert(ctx, points)
	})
}

// Search falls back to an empty result set on circuit breaker failure
// rather than surfacing a hard error to the search orchestrator.
func (s *CircuitBreakerVectorStore) Search(ctx context.Context, vector []float32, limit int, filter *VectorFilter) ([]VectorSearchResult, error) {
	var hits []VectorSearchResult

	err := s.cb.ExecuteWithFallback(ctx,
		func(ctx context.Context) error {
			var err error
			hits, err = s.store.Search(ctx, vector, limit, filter)
			return err
		},
		func(_ context.Context, _ error) error {
			hits = []VectorSearchResult{}
			return nil
		},
	)

	return hits, err
}

func (s *CircuitBreakerVectorStore) Delete(ctx context.Context, ids []types.PointID) error {
	return s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.store.Delete(ctx, ids)
	})
}

func (s *CircuitBreakerVectorStore) DeleteByFilter(ctx context.Context, filter VectorFilter) error {
	return s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.store.DeleteByFilter(ctx, filter)
	})
}

func (s *CircuitBreakerVectorStore) HealthCheck(ctx context.Context) error {
	return s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.store.HealthCheck(ctx)
	})
}

// Close bypasses the circuit breaker: shutdown must run regardless of
// breaker state.
func (s *CircuitBreakerVectorStore) Close() error {
	return s.store.Close()
}

// GetCircuitBreakerStats returns circuit breaker statistics for health
// reporting.
func (s *CircuitBreakerVectorStore) GetCircuitBreakerStats() circuitbreaker.Stats {
	return s.cb.GetStats()
}
