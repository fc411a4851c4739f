package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
)

// ErrorCategory represents the category of a gateway failure
type ErrorCategory string

const (
	CategoryDeclined        ErrorCategory = "declined"
	CategoryAlreadyRefunded ErrorCategory = "already_refunded"
	CategoryUnknownPayment  ErrorCategory = "unknown_payment"
	CategoryInvalidRequest  ErrorCategory = "invalid_request"
	CategoryAuthentication  ErrorCategory = "authentication"
	CategoryRateLimited     ErrorCategory = "rate_limited"
	CategoryTimeout         ErrorCategory = "timeout"
	CategoryNetworkError    ErrorCategory = "network_error"
	CategorySystemError     ErrorCategory = "system_error"
	CategoryInProgress      ErrorCategory = "in_progress"
)

// GatewayError is the classified result of a failed provider call.
// Message is safe to show to operators; GatewayMessage keeps the provider's
// text for logs only.
type GatewayError struct {
	Cause          error
	Details        map[string]interface{}
	Code           string
	Message        string
	GatewayMessage string
	Category       ErrorCategory
	HTTPStatus     int
	IsRetriable    bool
}

func (e *GatewayError) Error() string {
	if e.GatewayMessage != "" {
		return fmt.Sprintf("%s: %s (gateway: %s)", e.Code, e.Message, e.GatewayMessage)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// NewGatewayError creates a new gateway error
func NewGatewayError(code, message string, category ErrorCategory, retriable bool) *GatewayError {
	return &GatewayError{
		Code:        code,
		Message:     message,
		Category:    category,
		IsRetriable: retriable,
		Details:     make(map[string]interface{}),
	}
}

// NewTransientError wraps a low-level failure (timeout, connection reset) as retriable.
func NewTransientError(cause error) *GatewayError {
	ge := &GatewayError{Cause: cause, IsRetriable: true, Details: make(map[string]interface{})}
	var netErr net.Error
	switch {
	case stderrors.Is(cause, context.DeadlineExceeded):
		ge.Code, ge.Category, ge.Message = "timeout", CategoryTimeout, "payment provider did not respond in time"
	case stderrors.As(cause, &netErr) && netErr.Timeout():
		ge.Code, ge.Category, ge.Message = "timeout", CategoryTimeout, "payment provider did not respond in time"
	default:
		ge.Code, ge.Category, ge.Message = "network_error", CategoryNetworkError, "payment provider could not be reached"
	}
	return ge
}

// AsGatewayError extracts a GatewayError, classifying unknown errors as transient.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge
	}
	return NewTransientError(err)
}

// IsRetriable reports whether a provider call may be retried with the same idempotency key.
func IsRetriable(err error) bool {
	ge := AsGatewayError(err)
	return ge != nil && ge.IsRetriable
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
