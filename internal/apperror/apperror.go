// Package apperror defines the domain error taxonomy shared by every layer.
//
// Each AppError wraps one of the sentinel errors below. Callers test the kind with
// errors.Is(err, apperror.ErrLedgerWrite) and read the human-readable text from
// Message. When an AppError is built from an underlying failure, the cause is kept
// too, so errors.Is also matches the original error (context.Canceled, sql errors...).
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("Validation Error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")

	// Publish workflow failures. One per external collaborator, plus the database.
	ErrStorageUpload = errors.New("storage upload failed")
	ErrLedgerWrite   = errors.New("ledger write failed")
	ErrNaming        = errors.New("naming failed")
	ErrPersistence   = errors.New("persistence failed")

	ErrContentUnavailable = errors.New("content unavailable")
)

type AppError struct {
	Err     error  // sentinel kind
	Cause   error  // underlying failure, may be nil
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized reports a failed sign-in. HTTP handlers map this to 401.
func Unauthorized(message string, cause error) *AppError {
	return &AppError{Err: ErrUnauthorized, Cause: cause, Message: message}
}

// StorageUpload reports that the content store was unreachable, rejected the blob,
// or was used through a session that is not open.
func StorageUpload(message string, cause error) *AppError {
	return &AppError{Err: ErrStorageUpload, Cause: cause, Message: message}
}

// LedgerWrite reports a reverted, underfunded or unreachable ledger transaction.
func LedgerWrite(message string, cause error) *AppError {
	return &AppError{Err: ErrLedgerWrite, Cause: cause, Message: message}
}

// Naming reports a missing name key or a resolve/publish failure.
func Naming(message string, cause error) *AppError {
	return &AppError{Err: ErrNaming, Cause: cause, Message: message}
}

// ContentUnavailable reports that published content could not be read back.
func ContentUnavailable(message string, cause error) *AppError {
	return &AppError{Err: ErrContentUnavailable, Cause: cause, Message: message}
}

// Persistence reports a relational write failure.
func Persistence(message string, cause error) *AppError {
	return &AppError{Err: ErrPersistence, Cause: cause, Message: message}
}
