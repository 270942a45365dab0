package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAcquireTimeout ErrorType = "acquire_timeout"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeExternal       ErrorType = "external"
	ErrorTypeChainExhausted ErrorType = "chain_exhausted"
	ErrorTypeCancelled      ErrorType = "cancelled"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeInternal       ErrorType = "internal"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to the error
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "INVALID_CONFIGURATION", message)
}

// NewAcquireTimeoutError signals that admission was denied in time by our own
// capacity policy. It is not a provider fault and never feeds throttle state.
func NewAcquireTimeoutError(providerID string) *AppError {
	return NewAppError(ErrorTypeAcquireTimeout, "ACQUIRE_TIMEOUT",
		fmt.Sprintf("capacity for provider %s not acquired in time", providerID)).
		WithDetail("provider", providerID)
}

// NewProviderRejectedError signals a 429-equivalent overload response.
func NewProviderRejectedError(providerID, message string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "PROVIDER_REJECTED", message).
		WithDetail("provider", providerID)
}

func NewProviderTimeoutError(providerID string) *AppError {
	return NewAppError(ErrorTypeTimeout, "PROVIDER_TIMEOUT",
		fmt.Sprintf("call to provider %s timed out", providerID)).
		WithDetail("provider", providerID)
}

func NewNetworkError(providerID, message string) *AppError {
	return NewAppError(ErrorTypeNetwork, "PROVIDER_NETWORK_ERROR", message).
		WithDetail("provider", providerID)
}

func NewExternalError(providerID, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "PROVIDER_ERROR", message).
		WithDetail("provider", providerID)
}

// NewChainExhaustedError is the terminal error when every provider in a
// fallback chain failed for one logical request.
func NewChainExhaustedError(agentID string, tried []string) *AppError {
	err := NewAppError(ErrorTypeChainExhausted, "ALL_PROVIDERS_FAILED",
		fmt.Sprintf("all providers failed for agent %s", agentID)).
		WithDetail("agent", agentID)
	err.Details["providers_tried"] = fmt.Sprintf("%v", tried)
	return err
}

func NewCancelledError(message string) *AppError {
	return NewAppError(ErrorTypeCancelled, "CANCELLED", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable reports whether an error should advance the fallback chain.
// Transport, capacity, and provider-side overload failures are retryable on
// another provider; validation and cancellation are not.
func IsRetryable(err error) bool {
	switch GetType(err) {
	case ErrorTypeAcquireTimeout, ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeExternal:
		return true
	default:
		return false
	}
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}
