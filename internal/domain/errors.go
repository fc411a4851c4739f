package domain

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error code
type ErrorCode string

const (
	// Caller errors (never retried)
	ErrorCodeInvalidAmount                ErrorCode = "INVALID_AMOUNT"
	ErrorCodeUnknownPayment               ErrorCode = "UNKNOWN_PAYMENT"
	ErrorCodeInsufficientRemainingBalance ErrorCode = "INSUFFICIENT_REMAINING_BALANCE"
	ErrorCodeIdempotencyConflict          ErrorCode = "IDEMPOTENCY_CONFLICT"
	ErrorCodePaymentAlreadyExists         ErrorCode = "PAYMENT_ALREADY_EXISTS"

	// Validation Errors (VALIDATION_*)
	ErrorCodeValidationFailed       ErrorCode = "VALIDATION_FAILED"
	ErrorCodeValidationMissingField ErrorCode = "VALIDATION_MISSING_FIELD"

	// Gateway errors
	ErrorCodeTransientGateway ErrorCode = "TRANSIENT_GATEWAY_ERROR"
	ErrorCodePermanentGateway ErrorCode = "PERMANENT_GATEWAY_ERROR"

	// Storage and coordination errors
	ErrorCodeConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION"
	ErrorCodeStorageUnavailable     ErrorCode = "STORAGE_UNAVAILABLE"
	ErrorCodePendingUnresolved      ErrorCode = "PENDING_UNRESOLVED"
	ErrorCodeNotFound               ErrorCode = "NOT_FOUND"
)

// DomainError represents a structured domain error with error code and context
type DomainError struct {
	Err     error
	Details map[string]interface{}
	Code    ErrorCode
	Message string
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches another DomainError by code, so sentinel values work with errors.Is.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// WithDetail returns a copy of the error carrying an extra detail field.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DomainError{Err: e.Err, Details: details, Code: e.Code, Message: e.Message}
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Err:     err,
	}
}

// IsDomainError checks if an error is a DomainError with the given code
func IsDomainError(err error, code ErrorCode) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error, returns empty string if not a DomainError
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsCallerError reports whether the error was caused by the request itself.
// Caller errors are never retried.
func IsCallerError(err error) bool {
	switch GetErrorCode(err) {
	case ErrorCodeInvalidAmount,
		ErrorCodeUnknownPayment,
		ErrorCodeInsufficientRemainingBalance,
		ErrorCodeIdempotencyConflict,
		ErrorCodePaymentAlreadyExists,
		ErrorCodeValidationFailed,
		ErrorCodeValidationMissingField:
		return true
	}
	return false
}

// IsRetryableLater reports whether the caller may resubmit the same request later.
func IsRetryableLater(err error) bool {
	switch GetErrorCode(err) {
	case ErrorCodeConcurrentModification,
		ErrorCodeStorageUnavailable,
		ErrorCodePendingUnresolved,
		ErrorCodeTransientGateway:
		return true
	}
	return false
}

var (
	ErrInvalidAmount          = NewDomainError(ErrorCodeInvalidAmount, "refund amount must be positive")
	ErrUnknownPayment         = NewDomainError(ErrorCodeUnknownPayment, "payment not found")
	ErrInsufficientBalance    = NewDomainError(ErrorCodeInsufficientRemainingBalance, "refund amount exceeds remaining refundable balance")
	ErrIdempotencyConflict    = NewDomainError(ErrorCodeIdempotencyConflict, "idempotency key already used for a different refund")
	ErrPaymentAlreadyExists   = NewDomainError(ErrorCodePaymentAlreadyExists, "payment already recorded")
	ErrValidationMissingField = NewDomainError(ErrorCodeValidationMissingField, "required field missing")

	ErrConcurrentModification = NewDomainError(ErrorCodeConcurrentModification, "record was modified concurrently")
	ErrStorageUnavailable     = NewDomainError(ErrorCodeStorageUnavailable, "storage unavailable")
	ErrPendingUnresolved      = NewDomainError(ErrorCodePendingUnresolved, "a previous refund for this payment is still being resolved")
	ErrNotFound               = NewDomainError(ErrorCodeNotFound, "record not found")
)
