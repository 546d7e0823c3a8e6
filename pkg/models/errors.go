package models

import (
	"errors"
	"fmt"
)

// Error kinds partition every failure a caller can see. Handlers map them
// onto HTTP statuses; relay consumers use them to decide retry vs drop.
var (
	// ErrValidation covers malformed or missing input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrPermission covers callers acting outside their role (non-participant
	// send, non-receiver ack, non-sender delete, non-admin management).
	ErrPermission = errors.New("permission denied")
	// ErrNotFound covers unknown message or conversation references.
	ErrNotFound = errors.New("not found")
	// ErrConflict covers illegal state transitions, duplicate participants,
	// the expired delete window and already-deleted messages.
	ErrConflict = errors.New("conflict")
	// ErrTransient covers store/cache/broker unavailability. Write-path
	// callers fail and retry the whole request; fire-and-forget paths log
	// and swallow it.
	ErrTransient = errors.New("transient infrastructure error")
)

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// Permissionf wraps ErrPermission with a formatted detail message.
func Permissionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPermission}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// Conflictf wraps ErrConflict with a formatted detail message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// Transientf wraps ErrTransient with a formatted detail message.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrTransient}, args...)...)
}
