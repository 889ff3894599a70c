package embeddings

import (
	"context"
	"fmt"
	"time"

	"docucore/internal/circuitbreaker"
	"docucore/internal/logging"
)

// CircuitBreakerEmbeddingService wraps an EmbeddingService with circuit
// breaker protection, so a struggling embedding provider fails fast for callers
// instead of piling up timeouts across a whole batch.
type CircuitBreakerEmbeddingService struct {
	service EmbeddingService
	cb      *circuitbreaker.CircuitBreaker
}

// NewCircuitBreakerEmbeddingService wraps service with config, or a
// sensible default if config is nil.
func NewCircuitBreakerEmbeddingService(service EmbeddingService, config *circuitbreaker.Config) *CircuitBreakerEmbeddingService {
	if config == nil {
		config = &circuitbreaker.Config{
			FailureThreshold:      3,
			SuccessThreshold:      2,
			Timeout:               20 * time.Second,
			MaxConcurrentRequests: 5,
			OnStateChange: func(from, to circuitbreaker.State) {
				logging.Warn("embedding service circuit breaker state change", "from", from, "to", to)
			},
		}
	}

	return &CircuitBreakerEmbeddingService{
		service: service,
		cb:      circuitbreaker.New(config),
	}
}

func (s *CircuitBreakerEmbeddingService) Generate(ctx context.Context, text string) ([]float64, error) {
	var result []float64
	err := s.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.service.Generate(ctx, text)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embedding service unavailable: %w", err)
	}
	return result, nil
}

func (s *CircuitBreakerEmbeddingService) GenerateBatch(ctx context.Context, texts []string) ([][]float64, error) {
	var result [][]float64
	err := s.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.service.GenerateBatch(ctx, texts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("embedding service unavailable: %w", err)
	}
	return result, nil
}

func (s *CircuitBreakerEmbeddingService) GetDimensions() int {
	return s.service.GetDimensions()
}

func (s *CircuitBreakerEmbeddingService) HealthCheck(ctx context.Context) error {
	return s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.service.HealthCheck(ctx)
	})
}

// GetCircuitBreakerStats returns circuit breaker statistics for health
// reporting.
func (s *CircuitBreakerEmbeddingService) GetCircuitBreakerStats() circuitbreaker.Stats {
	return s.cb.GetStats()
}
