package errors

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// ErrorCategory classifies errors for the retry scheduler's handling
// strategy. These are the categories a classifier maps infrastructure
// errors onto before scheduling (or refusing to schedule) a retry.
type ErrorCategory string

const (
	CategoryTransientNetwork      ErrorCategory = "transient_network"
	CategoryRateLimited           ErrorCategory = "rate_limited"
	CategoryTimeout               ErrorCategory = "timeout"
	CategoryDependencyUnavailable ErrorCategory = "dependency_unavailable"
	CategoryInvalidInput          ErrorCategory = "invalid_input"
	CategoryTerminal              ErrorCategory = "terminal"
)

// ErrorContext provides additional context for debugging.
type ErrorContext struct {
	Operation  string                 `json:"operation"`
	Component  string                 `json:"component"`
	TraceID    string                 `json:"trace_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Category   ErrorCategory          `json:"category"`
	Retryable  bool                   `json:"retryable"`
}

// EnhancedError wraps errors with context used for logging and retry
// classification.
type EnhancedError struct {
	Err     error        `json:"error"`
	Context ErrorContext `json:"context"`
}

func (e *EnhancedError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Context.Component, e.Context.Operation, e.Err.Error())
}

func (e *EnhancedError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the retry scheduler may reattempt this error.
func (e *EnhancedError) IsRetryable() bool {
	return e.Context.Retryable
}

// GetCategory returns the error category used to pick a backoff/classification.
func (e *EnhancedError) GetCategory() ErrorCategory {
	return e.Context.Category
}

// NewEnhancedError creates a new enhanced error with context.
func NewEnhancedError(err error, component, operation string, category ErrorCategory) *EnhancedError {
	retryable := category == CategoryTransientNetwork ||
		category == CategoryTimeout ||
		category == CategoryRateLimited ||
		category == CategoryDependencyUnavailable

	return &EnhancedError{
		Err: err,
		Context: ErrorContext{
			Operation:  operation,
			Component:  component,
			Category:   category,
			Retryable:  retryable,
			Timestamp:  time.Now(),
			StackTrace: getStackTrace(),
		},
	}
}

// WithContext attaches a trace id found on ctx, if any.
func (e *EnhancedError) WithContext(ctx context.Context) *EnhancedError {
	if traceID := getTraceID(ctx); traceID != "" {
		e.Context.TraceID = traceID
	}
	return e
}

// WithMetadata adds metadata to the error.
func (e *EnhancedError) WithMetadata(key string, value interface{}) *EnhancedError {
	if e.Context.Metadata == nil {
		e.Context.Metadata = make(map[string]interface{})
	}
	e.Context.Metadata[key] = value
	return e
}

// WrapStorageError classifies a relational or vector store error.
func WrapStorageError(err error, operation string) error {
	if err == nil {
		return nil
	}

	category := CategoryTerminal
	switch {
	case isRateLimitError(err):
		category = CategoryRateLimited
	case isTemporaryError(err):
		category = CategoryTransientNetwork
	}

	return NewEnhancedError(err, "storage", operation, category)
}

// WrapEmbeddingError classifies an embedding-provider error.
func WrapEmbeddingError(err error, operation string) error {
	if err == nil {
		return nil
	}

	category := CategoryTerminal
	switch {
	case isRateLimitError(err):
		category = CategoryRateLimited
	case isTemporaryError(err):
		category = CategoryTransientNetwork
	}

	return NewEnhancedError(err, "embeddings", operation, category)
}

// WrapValidationError classifies a field validation error.
func WrapValidationError(err error, field string) error {
	if err == nil {
		return nil
	}

	enhanced := NewEnhancedError(err, "validation", "field_validation", CategoryInvalidInput)
	enhanced.WithMetadata("field", field)
	return enhanced
}

// WrapTimeoutError classifies a timeout error.
func WrapTimeoutError(err error, operation string, timeout time.Duration) error {
	if err == nil {
		return nil
	}

	enhanced := NewEnhancedError(err, "timeout", operation, CategoryTimeout)
	enhanced.WithMetadata("timeout_duration", timeout.String())
	return enhanced
}

// getStackTrace captures the current stack trace.
func getStackTrace() string {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

type contextKey string

const traceIDContextKey contextKey = "trace_id"

func getTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDContextKey).(string); ok {
		return traceID
	}
	return ""
}

// Error classification helpers.
func isTemporaryError(err error) bool {
	msg := err.Error()
	temporaryPatterns := []string{
		"connection refused",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"deadline exceeded",
		"context deadline exceeded",
	}

	for _, pattern := range temporaryPatterns {
		if contains(msg, pattern) {
			return true
		}
	}

	return false
}

func isRateLimitError(err error) bool {
	msg := err.Error()
	rateLimitPatterns := []string{
		"rate limit",
		"quota exceeded",
		"too many requests",
		"429",
	}

	for _, pattern := range rateLimitPatterns {
		if contains(msg, pattern) {
			return true
		}
	}

	return false
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) &&
		(s == substr ||
			len(s) > len(substr) &&
				(s[:len(substr)] == substr ||
					s[len(s)-len(substr):] == substr ||
					indexOfSubstring(s, substr) >= 0))
}

func indexOfSubstring(s, substr string) int {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
