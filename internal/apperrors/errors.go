// Package apperrors provides the error taxonomy shared by the job queue,
// locks, valves and their HTTP surface.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrValidation marks malformed caller input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrState marks an operation invalid for the entity's lifecycle state.
	ErrState = errors.New("state error")
	// ErrBusy marks lock or valve contention. Caller may retry.
	ErrBusy = errors.New("busy")
	// ErrTimeout marks a valve wait that exceeded its deadline. Caller may
	// retry by re-entering.
	ErrTimeout = errors.New("timeout")
	// ErrInternal marks an unexpected failure during job processing.
	ErrInternal  = errors.New("internal error")
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "name", "exit")
	Resource string // For state/busy/not found errors (e.g., "job", "lock")
	Op       string // Operation that failed (e.g., "pipeline.execute")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause, so errors.Is() matches
// either of them.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// State creates a lifecycle error, e.g. finishing an already finished job.
func State(resource, message string) error {
	return &Error{
		Sentinel: ErrState,
		Message:  message,
		Resource: resource,
	}
}

// Busy creates a contention error for a lock or valve.
func Busy(resource, message string) error {
	return &Error{
		Sentinel: ErrBusy,
		Message:  message,
		Resource: resource,
	}
}

// Timeout creates a deadline error for a waiting operation.
func Timeout(op, message string) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  message,
		Op:       op,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Forbidden creates an authorization error.
func Forbidden(message string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Message:  message,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Retryable reports whether the caller may retry the failed operation as is.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrTimeout)
}
