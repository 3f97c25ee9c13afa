package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	// Retryable marks transient failures the caller may safely retry.
	Retryable bool        `json:"retryable,omitempty"`
	Details   interface{} `json:"details,omitempty"`
	Err       error       `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound     = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden    = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrValidation   = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal     = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")

	// Booking decisions. User-actionable, never a system fault.
	ErrOutsideAvailability = New("OUTSIDE_AVAILABILITY", http.StatusConflict, "requested time is outside teacher availability")
	ErrTeacherConflict     = New("TEACHER_CONFLICT", http.StatusConflict, "teacher already has a lesson in this time")
	ErrStudentConflict     = New("STUDENT_CONFLICT", http.StatusConflict, "student already has a lesson in this time")

	// Transient contention, retried once internally before surfacing.
	ErrVersionConflict = &Error{Code: "VERSION_CONFLICT", Status: http.StatusConflict, Message: "booking was modified concurrently", Retryable: true}
	ErrBusy            = &Error{Code: "BUSY", Status: http.StatusConflict, Message: "schedule is contended, retry", Retryable: true}

	ErrInvalidTransition = New("INVALID_TRANSITION", http.StatusConflict, "lesson state does not allow this transition")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// WithDetails returns a copy carrying structured details (conflicting lesson
// ids, availability gaps) for the API envelope.
func WithDetails(err *Error, details interface{}) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	clone.Details = details
	return &clone
}

// IsRetryable reports whether the error is a transient contention failure.
func IsRetryable(err error) bool {
	e := FromError(err)
	return e != nil && e.Retryable
}
