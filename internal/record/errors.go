package record

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates malformed input rejected before any state changed.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeTransport indicates a network failure or non-success response
	// while replaying a queued request.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeHydration indicates a failed server fetch during forced hydration.
	ErrCodeHydration ErrorCode = "HYDRATION"

	// ErrCodeStorage indicates the durable store could not complete an operation.
	ErrCodeStorage ErrorCode = "STORAGE"
)

// Error is a classified engine error.
//
// Validation and hydration errors reach facade callers; transport errors are
// recovered inside the drain loop; storage errors always propagate.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op names the operation that failed (e.g. "enqueue", "hydrate Project").
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError creates an Error for rejected input.
func NewValidationError(op, message string) *Error {
	return &Error{Code: ErrCodeValidation, Op: op, Message: message}
}

// NewTransportError wraps a failed request execution.
func NewTransportError(op string, err error) *Error {
	return &Error{Code: ErrCodeTransport, Op: op, Err: err}
}

// NewHydrationError wraps a failed forced hydration fetch.
func NewHydrationError(op string, err error) *Error {
	return &Error{Code: ErrCodeHydration, Op: op, Err: err}
}

// NewStorageError wraps a durable store failure.
func NewStorageError(op string, err error) *Error {
	return &Error{Code: ErrCodeStorage, Op: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidationError returns true if err is a validation error.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool { return CodeOf(err) == ErrCodeValidation }

// IsTransportError returns true if err is a transport error.
func IsTransportError(err error) bool { return CodeOf(err) == ErrCodeTransport }

// IsHydrationError returns true if err is a hydration error.
func IsHydrationError(err error) bool { return CodeOf(err) == ErrCodeHydration }

// IsStorageError returns true if err is a storage error.
func IsStorageError(err error) bool { return CodeOf(err) == ErrCodeStorage }
