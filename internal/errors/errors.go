// Package errors provides error code definitions shared across the edge node.
package errors

import "fmt"

// ErrorCode is a stable identifier attached to application errors so callers
// (and the control plane) can branch on failure class without string-matching
// messages.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Transport errors (transient, retried via backoff or cooldown)
	ErrTransport        ErrorCode = "TRANSPORT_ERROR"
	ErrPushDisconnected ErrorCode = "PUSH_DISCONNECTED"

	// Sync queue errors
	ErrQueueExhausted ErrorCode = "QUEUE_EXHAUSTED"

	// Check lock errors
	ErrLockHeld ErrorCode = "LOCK_HELD"

	// Deployment errors
	ErrChecksumMismatch ErrorCode = "CHECKSUM_MISMATCH"
	ErrScriptFailed     ErrorCode = "SCRIPT_FAILED"
	ErrCorruptedArchive ErrorCode = "CORRUPTED_ARCHIVE"
	ErrDeployFailed     ErrorCode = "DEPLOY_FAILED"
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

// CodeOf extracts the ErrorCode from an error, or ErrInternal when the error
// carries no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
