// Package errs defines the error taxonomy shared by every chat-service
// component. Commands fail with exactly one of these codes; asynchronous
// consistency faults are reported through the service event channel instead
// and never appear here.
package errs

import (
	"errors"
	"fmt"
)

type Code string

const (
	// Validation: bad arguments, rejected before any side effect.
	Validation Code = "validation"
	// Authorization: permission, whitelist/blacklist or feature-gate denial.
	Authorization Code = "authorization"
	// NotFound: missing room or user.
	NotFound Code = "notFound"
	// Conflict: duplicate creation, or a lock that stayed busy past the
	// wait timeout.
	Conflict Code = "conflict"
	// Unavailable: store or bus connectivity failure.
	Unavailable Code = "unavailable"
)

type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return newf(Validation, format, args...)
}

func Authorizationf(format string, args ...any) *Error {
	return newf(Authorization, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newf(NotFound, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return newf(Conflict, format, args...)
}

func Unavailablef(format string, args ...any) *Error {
	return newf(Unavailable, format, args...)
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or "" for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
