package openmemory

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable machine-readable classification of a core failure.
// The HTTP surface maps these onto RFC 7807 responses; the core only promises
// the code is stable.
type ErrorCode string

const (
	CodeNotFound    ErrorCode = "not_found"
	CodeForbidden   ErrorCode = "forbidden"
	CodeInvalid     ErrorCode = "invalid"
	CodeConflict    ErrorCode = "conflict"
	CodeUnavailable ErrorCode = "unavailable"
	CodeInternal    ErrorCode = "internal"
)

// Error is the structured error returned by core operations.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Errf builds a structured error with a formatted message.
func Errf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a code to an underlying cause. If the cause already
// carries a code, it is preserved.
func WrapErr(code ErrorCode, msg string, cause error) *Error {
	var oe *Error
	if errors.As(cause, &oe) {
		code = oe.Code
	}
	return &Error{Code: code, Message: msg, cause: cause, Retryable: IsRetryable(cause)}
}

// Retryable marks e as a transient provider failure.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// CodeOf extracts the stable code from any error, defaulting to internal.
func CodeOf(err error) ErrorCode {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Retryable
}

// IsNotFound reports whether err carries the not_found code.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsConflict reports whether err carries the conflict code.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }
