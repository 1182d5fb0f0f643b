package errors

import (
	"errors"
	"fmt"
)

// Error types for the ledger domain
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeStorage           ErrorType = "storage"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeInvalidTransition ErrorType = "invalid_transition"
	ErrorTypeChainIntegrity    ErrorType = "chain_integrity"
	ErrorTypeImmutable         ErrorType = "immutable"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeInternal          ErrorType = "internal"
)

// AppError represents a structured application error. Administrative tooling
// sees Type and Code, never a stack trace.
type AppError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
	}
}

// NewStorageError reports an unavailable or failing backing store. Ledger
// writes that fail with this error must fail the audited action.
func NewStorageError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeStorage,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Code:    "RESOURCE_NOT_FOUND",
		Message: fmt.Sprintf("%s not found", resource),
	}
}

func NewInvalidTransitionError(from, to string) *AppError {
	return &AppError{
		Type:    ErrorTypeInvalidTransition,
		Code:    "INVALID_TRANSITION",
		Message: fmt.Sprintf("transition from %q to %q is not allowed", from, to),
		Details: map[string]interface{}{"from": from, "to": to},
	}
}

// NewChainIntegrityError describes a verification break. It is only ever
// carried as data inside verification results, never returned by appends.
func NewChainIntegrityError(recordID, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeChainIntegrity,
		Code:    "CHAIN_BROKEN",
		Message: message,
		Details: map[string]interface{}{"record_id": recordID},
	}
}

func NewImmutableError(resource string) *AppError {
	return &AppError{
		Type:    ErrorTypeImmutable,
		Code:    "RECORD_IMMUTABLE",
		Message: fmt.Sprintf("%s is append-only and cannot be changed", resource),
	}
}

func NewConflictError(code, message string) *AppError {
	return &AppError{
		Type:      ErrorTypeConflict,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// KindOf returns the error type, or internal for errors outside the taxonomy.
func KindOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// CodeOf returns the error code, or an empty string for foreign errors.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
