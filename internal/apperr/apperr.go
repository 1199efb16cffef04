// Package apperr defines the error taxonomy shared by the ledger, quote,
// settlement and hedge packages. Callers match kinds with errors.Is against
// the exported sentinels; messages carry the human-readable detail.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	KindValidation        Kind = "Validation"
	KindInsufficientFunds Kind = "InsufficientFunds"
	KindNotFound          Kind = "NotFound"
	KindExpired           Kind = "Expired"
	KindForbidden         Kind = "Forbidden"
	KindUnavailable       Kind = "ServiceUnavailable"
	KindConflict          Kind = "Conflict"
	KindInternal          Kind = "Internal"
)

// Error is a classified error with an optional cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrExpired           = &Error{Kind: KindExpired}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrUnavailable       = &Error{Kind: KindUnavailable}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInternal          = &Error{Kind: KindInternal}
)

// Error implements error.
func (e *Error) Error() string {
	str := string(e.Kind)
	if e.Message != "" {
		str += ": " + e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

// Explain returns a copy of the error with the given message.
func (e *Error) Explain(format string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(format, args...)
	return &err
}

// Wrap returns a copy of the error with cause set.
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports kind equality so that errors.Is(err, apperr.ErrNotFound)
// matches any NotFound regardless of message.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// Validation builds a ValidationError.
func Validation(format string, args ...any) *Error {
	return ErrValidation.Explain(format, args...)
}

// InsufficientFunds builds an InsufficientFunds error.
func InsufficientFunds(format string, args ...any) *Error {
	return ErrInsufficientFunds.Explain(format, args...)
}

// NotFound builds a NotFound error.
func NotFound(format string, args ...any) *Error {
	return ErrNotFound.Explain(format, args...)
}

// Unavailable builds a ServiceUnavailable error wrapping cause.
func Unavailable(cause error, format string, args ...any) *Error {
	return ErrUnavailable.Explain(format, args...).Wrap(cause)
}

// Internal builds an InternalError wrapping cause.
func Internal(cause error, format string, args ...any) *Error {
	return ErrInternal.Explain(format, args...).Wrap(cause)
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a caller may safely retry the operation.
func Retryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

// HTTPStatus maps an error to the status code used by the HTTP adapter.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired:
		return http.StatusGone
	case KindForbidden:
		return http.StatusForbidden
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
