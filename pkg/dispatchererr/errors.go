// Package dispatchererr defines the typed error kinds observable at the API
// boundary and their mapping onto HTTP status codes.
package dispatchererr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is one of the error categories fixed by the API contract.
type Kind string

const (
	Validation     Kind = "Validation"
	Unauthenticated Kind = "Unauthenticated"
	Forbidden      Kind = "Forbidden"
	NotFound       Kind = "NotFound"
	Conflict       Kind = "Conflict"
	Overloaded     Kind = "Overloaded"
	Internal       Kind = "Internal"
)

// status maps a Kind to its HTTP status code.
func (k Kind) status() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Overloaded:
		return http.StatusServiceUnavailable
	case Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed dispatcher error carrying an HTTP status and a stable
// message safe to surface to API clients.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the HTTP status code for this error.
func (e *Error) Status() int {
	return e.Kind.status()
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind, preserving the original cause
// with %w-style chaining.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err, if present in the chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// StatusOf returns the HTTP status for err, defaulting to 500 for errors
// that are not a *Error (invariant violations, unexpected bugs).
func StatusOf(err error) int {
	if de, ok := As(err); ok {
		return de.Status()
	}
	return http.StatusInternalServerError
}

// Envelope is the invariant error response body of §6: {error, status,
// timestamp}.
type Envelope struct {
	Error     string    `json:"error"`
	Status    int       `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// EnvelopeFor builds the error envelope for err.
func EnvelopeFor(err error) Envelope {
	status := StatusOf(err)
	msg := err.Error()
	if de, ok := As(err); ok {
		msg = de.Message
	}
	return Envelope{Error: msg, Status: status, Timestamp: time.Now().UTC()}
}
