// Package errors provides standardized error handling across the core.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents semantic error codes for consistent error handling.
type ErrorCode string

const (
	ErrorCodeValidation            ErrorCode = "VALIDATION"
	ErrorCodeNotFound              ErrorCode = "NOT_FOUND"
	ErrorCodeConflict              ErrorCode = "CONFLICT"
	ErrorCodeRateLimited           ErrorCode = "RATE_LIMITED"
	ErrorCodeDependencyUnavailable ErrorCode = "DEPENDENCY_UNAVAILABLE"
	ErrorCodeTimeout               ErrorCode = "TIMEOUT"
	ErrorCodeIntegrity             ErrorCode = "INTEGRITY"
	ErrorCodeInternal              ErrorCode = "INTERNAL"
)

// StandardError represents the unified error structure returned to callers.
type StandardError struct {
	ErrorInfo ErrorDetails `json:"error"`
}

// Error implements the Go error interface.
func (e *StandardError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorInfo.Code, e.ErrorInfo.Message)
}

// ErrorDetails contains the detailed error information.
type ErrorDetails struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

// ValidationDetail provides specific validation error information.
type ValidationDetail struct {
	Field  string      `json:"field"`
	Reason string      `json:"reason"`
	Value  interface{} `json:"value,omitempty"`
}

// RateLimitDetail provides rate limiting error information.
type RateLimitDetail struct {
	Key        string        `json:"key"`
	Limit      int           `json:"limit"`
	RetryAfter time.Duration `json:"retry_after"`
	Remaining  int           `json:"remaining"`
}

// NewStandardError creates a new standardized error.
func NewStandardError(code ErrorCode, message string, details interface{}) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// NewValidationError creates a validation error with field details.
func NewValidationError(field, reason string, value interface{}) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeValidation,
			Message: fmt.Sprintf("validation failed for field %q: %s", field, reason),
			Details: ValidationDetail{
				Field:  field,
				Reason: reason,
				Value:  value,
			},
		},
	}
}

// NewRequiredFieldError creates an error for missing required fields.
func NewRequiredFieldError(field string) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeValidation,
			Message: fmt.Sprintf("required field %q is missing", field),
			Details: ValidationDetail{
				Field:  field,
				Reason: "missing_required_field",
			},
		},
	}
}

// NewNotFoundError creates a not-found error for a named entity.
func NewNotFoundError(entity, id string) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeNotFound,
			Message: fmt.Sprintf("%s %q not found", entity, id),
			Details: map[string]interface{}{"entity": entity, "id": id},
		},
	}
}

// NewConflictError creates a conflict error, e.g. a duplicate collection name.
func NewConflictError(message string, details interface{}) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeConflict,
			Message: message,
			Details: details,
		},
	}
}

// NewRateLimitError creates a rate limiting error.
func NewRateLimitError(key string, limit int, retryAfter time.Duration, remaining int) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeRateLimited,
			Message: fmt.Sprintf("rate limit exceeded for %q", key),
			Details: RateLimitDetail{
				Key:        key,
				Limit:      limit,
				RetryAfter: retryAfter,
				Remaining:  remaining,
			},
		},
	}
}

// NewDependencyUnavailableError creates an error for an unreachable external
// collaborator (vector store, embedding API).
func NewDependencyUnavailableError(dependency string, cause error) *StandardError {
	details := map[string]interface{}{"dependency": dependency}
	if cause != nil {
		details["cause"] = cause.Error()
	}
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeDependencyUnavailable,
			Message: fmt.Sprintf("%s is unavailable", dependency),
			Details: details,
		},
	}
}

// NewTimeoutError creates a timeout error for a named operation.
func NewTimeoutError(operation string) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeTimeout,
			Message: fmt.Sprintf("operation %q timed out", operation),
		},
	}
}

// NewIntegrityError creates an error for a violated cross-entity invariant.
// Integrity errors are surfaced to the caller, never retried.
func NewIntegrityError(message string, details interface{}) *StandardError {
	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeIntegrity,
			Message: message,
			Details: details,
		},
	}
}

// NewInternalError creates an internal server error.
func NewInternalError(message string, originalError error) *StandardError {
	details := map[string]interface{}{}
	if originalError != nil {
		details["original_error"] = originalError.Error()
	}

	return &StandardError{
		ErrorInfo: ErrorDetails{
			Code:    ErrorCodeInternal,
			Message: message,
			Details: details,
		},
	}
}

// WithTraceID adds a trace ID to the error for debugging.
func (e *StandardError) WithTraceID(traceID string) *StandardError {
	e.ErrorInfo.TraceID = traceID
	return e
}

// ToHTTPStatus maps StandardError to the HTTP status code the error
// taxonomy assigns it.
func (e *StandardError) ToHTTPStatus() int {
	switch e.ErrorInfo.Code {
	case ErrorCodeValidation:
		return http.StatusUnprocessableEntity
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeConflict:
		return http.StatusConflict
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeDependencyUnavailable:
		return http.StatusServiceUnavailable
	case ErrorCodeTimeout:
		return http.StatusRequestTimeout
	case ErrorCodeIntegrity:
		return http.StatusUnprocessableEntity
	case ErrorCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts StandardError to JSON bytes.
func (e *StandardError) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// WriteHTTPError writes StandardError as an HTTP response.
func (e *StandardError) WriteHTTPError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")

	if e.ErrorInfo.TraceID != "" {
		w.Header().Set("X-Trace-ID", e.ErrorInfo.TraceID)
	}

	if e.ErrorInfo.Code == ErrorCodeRateLimited {
		if rateLimitDetail, ok := e.ErrorInfo.Details.(RateLimitDetail); ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", rateLimitDetail.RetryAfter.Seconds()))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rateLimitDetail.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", rateLimitDetail.Remaining))
		}
	}

	w.WriteHeader(e.ToHTTPStatus())

	jsonBytes, _ := e.ToJSON()
	_, _ = w.Write(jsonBytes)
}

// Predefined common errors for convenience.
var (
	ErrCollectionNameRequired = NewRequiredFieldError("name")
	ErrContentRequired        = NewRequiredFieldError("content")
	ErrQueryRequired          = NewRequiredFieldError("query")

	ErrCollectionNotFound = NewNotFoundError("collection", "")
	ErrDocumentNotFound   = NewNotFoundError("document", "")
	ErrChunkNotFound      = NewNotFoundError("chunk", "")

	ErrDuplicateCollectionName = NewConflictError("a collection with this name already exists", nil)

	ErrInternalServer     = NewInternalError("internal server error occurred", nil)
	ErrServiceUnavailable = NewDependencyUnavailableError("dependency", nil)
)

// IsValidationError checks if the error is a validation-related error.
func IsValidationError(err *StandardError) bool {
	return err.ErrorInfo.Code == ErrorCodeValidation
}

// IsNotFoundError checks if the error indicates a missing entity.
func IsNotFoundError(err *StandardError) bool {
	return err.ErrorInfo.Code == ErrorCodeNotFound
}

// IsRetryable reports whether the error's code is one the retry scheduler
// is allowed to schedule a retry for: transient, not a caller mistake.
func IsRetryable(err *StandardError) bool {
	switch err.ErrorInfo.Code {
	case ErrorCodeRateLimited, ErrorCodeDependencyUnavailable, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// IsSystemError checks if the error reflects an internal/infra failure
// rather than a caller mistake.
func IsSystemError(err *StandardError) bool {
	return err.ErrorInfo.Code == ErrorCodeInternal ||
		err.ErrorInfo.Code == ErrorCodeDependencyUnavailable ||
		err.ErrorInfo.Code == ErrorCodeTimeout
}
