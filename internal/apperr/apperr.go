// Package apperr classifies failures so every boundary can tell a missing
// record from a forbidden call or a corrupted ledger without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindInvalidState Kind = "invalid_state"
	KindConflict     Kind = "conflict"
	KindForbidden    Kind = "forbidden"
	KindIntegrity    Kind = "integrity_fatal"
	KindBadRequest   Kind = "bad_request"
	KindInternal     Kind = "internal_error"
)

// Error carries a Kind plus structured details for callers.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInvalidState = &Error{Kind: KindInvalidState}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrIntegrity    = &Error{Kind: KindIntegrity}
	ErrBadRequest   = &Error{Kind: KindBadRequest}
)

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Kind)
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// WithDetail returns e with key set in its details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error     { return newf(KindNotFound, format, args...) }
func InvalidState(format string, args ...any) *Error { return newf(KindInvalidState, format, args...) }
func Conflict(format string, args ...any) *Error     { return newf(KindConflict, format, args...) }
func Forbidden(format string, args ...any) *Error    { return newf(KindForbidden, format, args...) }
func Integrity(format string, args ...any) *Error    { return newf(KindIntegrity, format, args...) }
func BadRequest(format string, args ...any) *Error   { return newf(KindBadRequest, format, args...) }

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of err, or KindInternal when it carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, s := range []*Error{ErrNotFound, ErrInvalidState, ErrConflict, ErrForbidden, ErrIntegrity, ErrBadRequest} {
		if errors.Is(err, s) {
			return s.Kind
		}
	}
	return KindInternal
}

// DetailsOf returns the structured details of err, if any.
func DetailsOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// HTTPStatus maps a kind to the status code used by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
