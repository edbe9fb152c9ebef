// Package errors provides the error taxonomy shared by the sync engine.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies the category of a failure.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncTransient     ErrorCode = "SYNC_TRANSIENT"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"
	ErrSyncConflict      ErrorCode = "SYNC_CONFLICT"
	ErrSyncReferential   ErrorCode = "SYNC_REFERENTIAL"
	ErrSyncAuthFailed    ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"
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

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in err's chain.
// Context cancellation and deadline errors map to ErrSyncTimeout; any
// other uncategorized error maps to ErrInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrSyncTimeout
	}
	return ErrInternal
}

// IsRetryable reports whether err is worth retrying with backoff.
// Only transient network/IO failures and timeouts qualify.
func IsRetryable(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return false
	}
	switch CodeOf(err) {
	case ErrSyncTransient, ErrSyncTimeout:
		return true
	}
	return false
}

// IsConflict reports whether err means "row already exists".
func IsConflict(err error) bool {
	return Is(err, ErrSyncConflict)
}

// IsReferential reports whether err is a missing-parent violation.
func IsReferential(err error) bool {
	return Is(err, ErrSyncReferential)
}

// IsAuth reports whether err requires re-authentication.
func IsAuth(err error) bool {
	return Is(err, ErrSyncAuthFailed)
}

// IsValidation reports whether err is a schema or validation failure.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case ErrValidation, ErrInvalid:
		return true
	}
	return false
}
