package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardError_Creation(t *testing.T) {
	tests := []struct {
		name            string
		createError     func() *StandardError
		expectedCode    ErrorCode
		expectedMessage string
	}{
		{
			name: "validation error",
			createError: func() *StandardError {
				return NewValidationError("name", "must not be empty", "")
			},
			expectedCode:    ErrorCodeValidation,
			expectedMessage: `validation failed for field "name": must not be empty`,
		},
		{
			name: "required field error",
			createError: func() *StandardError {
				return NewRequiredFieldError("content")
			},
			expectedCode:    ErrorCodeValidation,
			expectedMessage: `required field "content" is missing`,
		},
		{
			name: "not found error",
			createError: func() *StandardError {
				return NewNotFoundError("collection", "docs-2024")
			},
			expectedCode:    ErrorCodeNotFound,
			expectedMessage: `collection "docs-2024" not found`,
		},
		{
			name: "conflict error",
			createError: func() *StandardError {
				return NewConflictError("a collection with this name already exists", nil)
			},
			expectedCode:    ErrorCodeConflict,
			expectedMessage: "a collection with this name already exists",
		},
		{
			name: "rate limit error",
			createError: func() *StandardError {
				return NewRateLimitError("openai:embed", 100, 60*time.Second, 0)
			},
			expectedCode:    ErrorCodeRateLimited,
			expectedMessage: `rate limit exceeded for "openai:embed"`,
		},
		{
			name: "dependency unavailable error",
			createError: func() *StandardError {
				return NewDependencyUnavailableError("qdrant", assert.AnError)
			},
			expectedCode:    ErrorCodeDependencyUnavailable,
			expectedMessage: "qdrant is unavailable",
		},
		{
			name: "timeout error",
			createError: func() *StandardError {
				return NewTimeoutError("upsert_vectors")
			},
			expectedCode:    ErrorCodeTimeout,
			expectedMessage: `operation "upsert_vectors" timed out`,
		},
		{
			name: "integrity error",
			createError: func() *StandardError {
				return NewIntegrityError("chunk references an unknown document", nil)
			},
			expectedCode:    ErrorCodeIntegrity,
			expectedMessage: "chunk references an unknown document",
		},
		{
			name: "internal error",
			createError: func() *StandardError {
				return NewInternalError("database connection failed", assert.AnError)
			},
			expectedCode:    ErrorCodeInternal,
			expectedMessage: "database connection failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.createError()

			assert.Equal(t, tt.expectedCode, err.ErrorInfo.Code)
			assert.Equal(t, tt.expectedMessage, err.ErrorInfo.Message)
		})
	}
}

func TestStandardError_WithTraceID(t *testing.T) {
	baseError := NewValidationError("test", "test reason", "test value")

	errorWithTrace := baseError.WithTraceID("trace-123")
	assert.Equal(t, "trace-123", errorWithTrace.ErrorInfo.TraceID)
	assert.Same(t, baseError, errorWithTrace, "WithTraceID should mutate and return the same error")
}

func TestStandardError_ToHTTPStatus(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrorCodeValidation, http.StatusUnprocessableEntity},
		{ErrorCodeNotFound, http.StatusNotFound},
		{ErrorCodeConflict, http.StatusConflict},
		{ErrorCodeRateLimited, http.StatusTooManyRequests},
		{ErrorCodeDependencyUnavailable, http.StatusServiceUnavailable},
		{ErrorCodeTimeout, http.StatusRequestTimeout},
		{ErrorCodeIntegrity, http.StatusUnprocessableEntity},
		{ErrorCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewStandardError(tt.code, "message", nil)
			assert.Equal(t, tt.expected, err.ToHTTPStatus())
		})
	}
}

func TestStandardError_WriteHTTPError(t *testing.T) {
	err := NewRateLimitError("ingest:collection-1", 10, 30*time.Second, 0).WithTraceID("trace-xyz")

	recorder := httptest.NewRecorder()
	err.WriteHTTPError(recorder)

	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.Equal(t, "30", recorder.Header().Get("Retry-After"))
	assert.Equal(t, "trace-xyz", recorder.Header().Get("X-Trace-ID"))

	var decoded StandardError
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	assert.Equal(t, ErrorCodeRateLimited, decoded.ErrorInfo.Code)
}

func TestStandardError_ToJSON(t *testing.T) {
	err := NewNotFoundError("document", "doc-abc")

	data, jsonErr := err.ToJSON()
	require.NoError(t, jsonErr)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	errObj, ok := decoded["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "NOT_FOUND", errObj["code"])
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(NewValidationError("x", "y", nil)))
	assert.False(t, IsValidationError(NewNotFoundError("collection", "c1")))
}

func TestIsNotFoundError(t *testing.T) {
	assert.True(t, IsNotFoundError(NewNotFoundError("collection", "c1")))
	assert.False(t, IsNotFoundError(NewValidationError("x", "y", nil)))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewRateLimitError("k", 1, time.Second, 0)))
	assert.True(t, IsRetryable(NewDependencyUnavailableError("qdrant", nil)))
	assert.True(t, IsRetryable(NewTimeoutError("op")))
	assert.False(t, IsRetryable(NewValidationError("x", "y", nil)))
	assert.False(t, IsRetryable(NewIntegrityError("bad", nil)))
}

func TestIsSystemError(t *testing.T) {
	assert.True(t, IsSystemError(NewInternalError("boom", nil)))
	assert.True(t, IsSystemError(NewDependencyUnavailableError("openai", nil)))
	assert.False(t, IsSystemError(NewValidationError("x", "y", nil)))
}
