package embeddings

import (
	"log/slog"
	"time"

	"docucore/internal/config"
)

// NewService builds the fully-wrapped embedding provider from app
// config: a plain OpenAIService for the HTTP/cache/metrics plumbing,
// wrapped with retry (transient/rate-limited categories) and then circuit
// breaker (fail fast once the provider is down), matching the layering
// storage's QdrantStore uses (retry innermost, circuit breaker outermost).
func NewService(cfg *config.OpenAIConfig, logger *slog.Logger) (EmbeddingService, error) {
	inner, err := NewOpenAIService(&OpenAIConfig{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		Timeout:        time.Duration(cfg.RequestTimeout) * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		CacheSize:      1000,
		CacheTTL:       24 * time.Hour,
		RequestsPerMin: 3000,
	}, logger)
	if err != nil {
		return nil, err
	}

	retrying := NewRetryableEmbeddingService(inner, nil)
	return NewCircuitBreakerEmbeddingService(retrying, nil), nil
}
