// Package apperr defines the application error taxonomy and the JSON error
// envelope rendered to API clients. Every error carries a stable machine
// code; messages never include PHI or stack traces.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and status-code decisions.
type Kind string

const (
	// KindInput is malformed input at a boundary. 4xx, never retried.
	KindInput Kind = "input_error"
	// KindParseWarning is a recoverable EDI anomaly attached to a record.
	KindParseWarning Kind = "parse_warning"
	// KindParse is an unrecoverable structural failure. Fails the job.
	KindParse Kind = "parse_error"
	// KindResource is an unavailable dependency. Retried with backoff.
	KindResource Kind = "resource_error"
	// KindInvariant is an internal contract breach. Never masked.
	KindInvariant Kind = "invariant_violation"
)

// Error is the application error type.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Input is shorthand for a user-visible 4xx error.
func Input(code, message string) *Error {
	return New(KindInput, code, message)
}

// Resource is shorthand for a retryable dependency failure.
func Resource(code string, err error) *Error {
	return Wrap(KindResource, code, "dependency unavailable", err)
}

// Invariant reports an internal contract breach.
func Invariant(code, message string) *Error {
	return New(KindInvariant, code, message)
}

// Retryable reports whether the error should be retried with backoff.
func Retryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == KindResource
	}
	return false
}

// KindOf returns the taxonomy kind, defaulting unclassified errors to
// invariant violations so they are never silently masked.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInvariant
}

// HTTPStatus maps a kind to the response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInput:
		return http.StatusBadRequest
	case KindParse:
		return http.StatusUnprocessableEntity
	case KindResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the wire shape of an error response.
type Body struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// ToBody renders err as a JSON error envelope. Unclassified errors get a
// generic body so internals never leak.
func ToBody(err error) Body {
	var b Body
	var ae *Error
	if errors.As(err, &ae) {
		b.Error.Code = ae.Code
		b.Error.Message = ae.Message
		b.Error.Details = ae.Details
		return b
	}
	b.Error.Code = "internal_error"
	b.Error.Message = "internal server error"
	return b
}
