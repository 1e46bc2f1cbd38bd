// Package apperr classifies errors by the HTTP treatment they require
// instead of scattering status codes through handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how the HTTP layer should respond to it.
type Kind int

const (
	// KindInternal is the zero value: an unclassified failure, mapped to 500.
	KindInternal Kind = iota
	// KindBadRequest marks malformed or invalid caller input.
	KindBadRequest
	// KindNotFound marks a missing resource.
	KindNotFound
	// KindConflict marks an idempotency or uniqueness violation.
	KindConflict
	// KindForbidden marks a request the caller is not entitled to make.
	KindForbidden
	// KindGone marks a resource that existed but whose backing data is gone.
	KindGone
)

// Error pairs a Kind with a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error, preserving it as the cause.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// BadRequest builds a KindBadRequest error.
func BadRequest(format string, args ...any) error {
	return New(KindBadRequest, fmt.Sprintf(format, args...))
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// Conflict builds a KindConflict error.
func Conflict(format string, args ...any) error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

// Forbidden builds a KindForbidden error.
func Forbidden(format string, args ...any) error {
	return New(KindForbidden, fmt.Sprintf(format, args...))
}

// Gone builds a KindGone error.
func Gone(format string, args ...any) error {
	return New(KindGone, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err does
// not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusCode maps an error to the HTTP status code its Kind implies.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindGone:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
