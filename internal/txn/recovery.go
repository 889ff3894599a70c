package txn

import (
	"context"
	"time"

	"docucore/internal/circuitbreaker"
	"docucore/internal/retry"
)

// RetryWithBackoff runs op under cfg's exponential-backoff-with-jitter
// policy, retrying only while ctx and cfg.RetryIf allow it.
func RetryWithBackoff(ctx context.Context, cfg *retry.Config, op retry.Operation) error {
	r := retry.New(cfg)
	res := r.Do(ctx, op)
	return res.Err
}

// WithTimeout runs op with a derived context that is cancelled after
// timeout, returning ctx.Err() if op does not finish in time.
func WithTimeout(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteWithFallback runs primary and, if it fails, runs fallback with the
// primary's error instead of propagating it directly.
func ExecuteWithFallback(ctx context.Context, primary func(ctx context.Context) error, fallback func(ctx context.Context, cause error) error) error {
	err := primary(ctx)
	if err == nil {
		return nil
	}
	if fallback == nil {
		return err
	}
	return fallback(ctx, err)
}

// ExecuteWithCircuitBreaker runs op through cb, so repeated failures trip
// the breaker and short-circuit further attempts.
func ExecuteWithCircuitBreaker(ctx context.Context, cb *circuitbreaker.CircuitBreaker, op func(ctx context.Context) error) error {
	return cb.Execute(ctx, op)
}
