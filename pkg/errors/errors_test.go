package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := NewProviderTimeoutError("openai")
	assert.Equal(t, "PROVIDER_TIMEOUT: call to provider openai timed out", err.Error())

	cause := errors.New("dial tcp: i/o timeout")
	withCause := NewNetworkError("openai", "provider call failed").WithCause(cause)
	assert.Contains(t, withCause.Error(), "caused by: dial tcp: i/o timeout")
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewInternalError("wrapper").WithCause(cause)

	assert.True(t, errors.Is(err, cause))

	var appErr *AppError
	assert.True(t, errors.As(fmt.Errorf("outer: %w", err), &appErr))
	assert.Equal(t, ErrorTypeInternal, appErr.Type)
}

func TestAppError_Details(t *testing.T) {
	err := NewAcquireTimeoutError("openai")
	assert.Equal(t, ErrorTypeAcquireTimeout, err.Type)
	assert.Equal(t, "openai", err.Details["provider"])

	exhausted := NewChainExhaustedError("planner", []string{"openai", "anthropic"})
	assert.Equal(t, "ALL_PROVIDERS_FAILED", exhausted.Code)
	assert.Equal(t, "planner", exhausted.Details["agent"])
	assert.Equal(t, "[openai anthropic]", exhausted.Details["providers_tried"])
}

func TestIsRetryable(t *testing.T) {
	retryable := []*AppError{
		NewAcquireTimeoutError("openai"),
		NewProviderRejectedError("openai", "429"),
		NewProviderTimeoutError("openai"),
		NewNetworkError("openai", "reset"),
		NewExternalError("openai", "status 500"),
	}
	for _, err := range retryable {
		assert.True(t, IsRetryable(err), "%s should be retryable", err.Code)
	}

	terminal := []error{
		NewValidationError("bad input"),
		NewCancelledError("ctx done"),
		NewNotFoundError("agent x"),
		NewInternalError("bug"),
		NewChainExhaustedError("planner", nil),
		errors.New("untyped"),
	}
	for _, err := range terminal {
		assert.False(t, IsRetryable(err), "%v should not be retryable", err)
	}
}

func TestIsTypeAndGetters(t *testing.T) {
	err := NewProviderRejectedError("openai", "rate limited")

	assert.True(t, IsType(err, ErrorTypeRateLimit))
	assert.False(t, IsType(err, ErrorTypeTimeout))
	assert.False(t, IsType(errors.New("plain"), ErrorTypeRateLimit))

	assert.Equal(t, "PROVIDER_REJECTED", GetCode(err))
	assert.Equal(t, ErrorTypeRateLimit, GetType(err))
	assert.Equal(t, "UNKNOWN_ERROR", GetCode(errors.New("plain")))
}

func TestWithRequestID(t *testing.T) {
	err := NewChainExhaustedError("planner", []string{"openai"}).WithRequestID("req-1")
	assert.Equal(t, "req-1", err.RequestID)
}
