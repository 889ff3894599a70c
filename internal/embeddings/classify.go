package embeddings

import (
	"strings"

	mcperrors "docucore/internal/errors"
)

// ClassifyError maps an embedding-provider error onto the error category
// taxonomy the retry scheduler acts on. Quota-exceeded responses fold
// into rate-limited since both resolve the same way: wait, then retry.
func ClassifyError(err error) mcperrors.ErrorCategory {
	if err == nil {
		return mcperrors.CategoryTerminal
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "invalid api key", "unauthorized", "forbidden",
		"invalid_request_error", "model not found", "context length exceeded",
		"cannot be empty"):
		return mcperrors.CategoryInvalidInput
	case containsAny(msg, "insufficient_quota", "quota exceeded", "429", "rate limit", "too many requests"):
		return mcperrors.CategoryRateLimited
	case containsAny(msg, "deadline exceeded", "context deadline exceeded", "i/o timeout"):
		return mcperrors.CategoryTimeout
	case containsAny(msg, "connection refused", "connection reset", "service unavailable",
		"temporarily unavailable", "bad gateway", "502", "503", "504", "overloaded"):
		return mcperrors.CategoryDependencyUnavailable
	case containsAny(msg, "temporary failure", "eof", "server_error", "500"):
		return mcperrors.CategoryTransientNetwork
	default:
		return mcperrors.CategoryTerminal
	}
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
