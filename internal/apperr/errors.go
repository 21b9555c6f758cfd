// Package apperr defines the error taxonomy shared by the conversion pipeline.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation Kind = "validation"
	KindResource   Kind = "resource"
	KindTimeout    Kind = "timeout"
	KindConversion Kind = "conversion"
	KindBusy       Kind = "busy"
)

// Error is a classified pipeline failure. Message is safe to show to clients;
// Err carries the underlying cause for logs.
type Error struct {
	Kind     Kind
	Message  string
	Err      error
	Oversize bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports bad client input.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// Oversize reports an upload that exceeded the size limit.
func Oversize(limit int64) *Error {
	return &Error{
		Kind:     KindValidation,
		Message:  fmt.Sprintf("file exceeds maximum size of %d bytes", limit),
		Oversize: true,
	}
}

// Resource reports a local resource failure (disk, workspace, permissions).
func Resource(msg string, err error) *Error {
	return &Error{Kind: KindResource, Message: msg, Err: err}
}

// Timeout reports a converter that exceeded its time budget.
func Timeout(msg string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: msg, Err: err}
}

// Conversion reports a converter failure or a missing artifact.
func Conversion(msg string, err error) *Error {
	return &Error{Kind: KindConversion, Message: msg, Err: err}
}

// Busy reports that no conversion slot became free in time.
func Busy(msg string) *Error {
	return &Error{Kind: KindBusy, Message: msg}
}

// KindOf returns the kind of err, or KindConversion for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindConversion
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// HTTPStatus maps err to the response status code.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		if e.Oversize {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the client-facing text for err. Causes never leak.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "conversion failed"
	}
	switch e.Kind {
	case KindValidation, KindBusy:
		return e.Message
	case KindTimeout:
		return "conversion timed out"
	case KindResource:
		return "server could not prepare the conversion"
	default:
		return "conversion failed"
	}
}
