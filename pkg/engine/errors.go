// Package engine implements the reconciliation core: diff planning,
// change application with retry, snapshot bookkeeping, and the per-cluster
// scheduler that drives a cycle on every tick.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure for the applier's retry decision.
type ErrorClass string

const (
	// ErrorClassTransient is a temporary failure that may succeed on retry.
	// Network timeouts, 5xx responses, temporary unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict means the live resource changed underneath us.
	// Never retried within the cycle; the next cycle re-derives drift from
	// fresh state instead of overwriting a concurrent external change.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent is a non-recoverable failure. Validation errors,
	// permission denials, malformed documents.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error is a classified reconciliation error with resource context.
type Error struct {
	// Class drives retry behavior.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional stable code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the (kind/id) the error relates to, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is what was being attempted (create, update, delete, ...).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s", e.Resource)
		if e.Operation != "" {
			msg += fmt.Sprintf(", operation=%s", e.Operation)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithResource adds resource context.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// WithOperation adds operation context.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds a stable error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// NewTransientError creates a retriable error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a revision-conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err, Code: ErrCodeConflictingRevision}
}

// NewPermanentError creates a non-recoverable error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// IsRetryable reports whether the applier should retry the call within
// the current cycle. Only transient failures qualify; conflicts wait for
// the next cycle's fresh read.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict reports whether err is a revision conflict.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// Stable error codes.
const (
	ErrCodeMalformedResource   = "MALFORMED_RESOURCE"
	ErrCodeAmbiguousMatch      = "AMBIGUOUS_MATCH"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeUnavailable         = "UNAVAILABLE"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeConflictingRevision = "CONFLICTING_REVISION"
	ErrCodeHistoryCommitFailed = "HISTORY_COMMIT_FAILED"
	ErrCodeValidation          = "VALIDATION_ERROR"
)
