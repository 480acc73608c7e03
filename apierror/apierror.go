// Package apierror defines the typed errors that cross the HTTP
// boundary. Every error carries the status code it maps to and an
// optional context value, and serialises as
// {"status_code": ..., "message": ..., "context": ...}.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a client-facing error with a fixed HTTP status code.
type Error struct {
	Status  int
	Message string
	Context any
}

func (e *Error) Error() string { return e.Message }

// Dict returns the JSON-serialisable form of the error.
func (e *Error) Dict() map[string]any {
	d := map[string]any{
		"status_code": e.Status,
		"message":     e.Message,
	}
	if e.Context != nil {
		d["context"] = e.Context
	}
	return d
}

// InvalidUsage reports improper client usage (400).
func InvalidUsage(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: msg}
}

// InvalidUsageContext reports improper client usage (400) with context.
func InvalidUsageContext(msg string, context any) *Error {
	return &Error{Status: http.StatusBadRequest, Message: msg, Context: context}
}

// InvalidMethod reports a call with the wrong HTTP method (405).
func InvalidMethod(msg string) *Error {
	return &Error{Status: http.StatusMethodNotAllowed, Message: msg}
}

// InvalidPath reports a call to an unknown endpoint (404).
func InvalidPath(msg string) *Error {
	return &Error{Status: http.StatusNotFound, Message: msg}
}

// PreconditionFailed reports an unmet state precondition (409).
func PreconditionFailed(msg string, context any) *Error {
	return &Error{Status: http.StatusConflict, Message: msg, Context: context}
}

// Internal reports an internal failure (500).
func Internal(msg string) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: msg}
}

// Internalf reports an internal failure (500) with formatting.
func Internalf(format string, args ...any) *Error {
	return Internal(fmt.Sprintf(format, args...))
}

// Config reports a fatal configuration error. It maps to 500 should it
// ever reach a client, but is normally raised at load time.
func Config(msg string, context any) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: msg, Context: context}
}

// Configf reports a fatal configuration error with formatting.
func Configf(format string, args ...any) *Error {
	return Config(fmt.Sprintf(format, args...), nil)
}

// From extracts a typed error from err, or wraps it as an internal
// error so that unexpected failures still produce a well-formed body.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Status:  http.StatusInternalServerError,
		Message: err.Error(),
		Context: map[string]any{"type": fmt.Sprintf("%T", err)},
	}
}
