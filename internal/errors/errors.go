// Package errors provides error code definitions for the TyreRescue agent.
package errors

import "fmt"

// ErrorCode identifies a failure class for logs and the admin API.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrDatabase        ErrorCode = "DATABASE_ERROR"
	ErrMigration       ErrorCode = "MIGRATION_FAILED"
	ErrStorageDegraded ErrorCode = "STORAGE_DEGRADED"

	// Queue errors
	ErrQueueFull      ErrorCode = "QUEUE_FULL"
	ErrAlreadyClaimed ErrorCode = "ALREADY_CLAIMED"
	ErrDeadLettered   ErrorCode = "DEAD_LETTERED"

	// Delivery errors
	ErrDeliveryFailed  ErrorCode = "DELIVERY_FAILED"
	ErrDeliveryTimeout ErrorCode = "DELIVERY_TIMEOUT"
	ErrEndpointStatus  ErrorCode = "ENDPOINT_STATUS"

	// Sync errors
	ErrSyncFailed ErrorCode = "SYNC_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
