// Package apperr defines the error taxonomy shared by the gateway, the
// routing table and the HTTP layer.
//
// Adapters keep wrapping errors with fmt.Errorf("...: %w") the usual way.
// Classification into a Kind happens once, at the gateway boundary, so the
// HTTP layer can pick a status code and a client-safe message without
// knowing anything about vendors.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by who is expected to act on it.
type Kind int

const (
	// KindConfiguration means the feature is disabled or the admin input is
	// malformed. Client-facing, fixed message.
	KindConfiguration Kind = iota + 1

	// KindNotFound means no backend serves the requested model, or an
	// explicit backend index is out of range.
	KindNotFound

	// KindUpstream means the vendor call failed, timed out or returned a
	// body we could not parse. Logged in full, surfaced redacted.
	KindUpstream

	// KindStream is a failure after the first byte of a stream was written.
	// It never reaches the HTTP status line; the stream writer turns it into
	// an in-band error frame.
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration_error"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream_error"
	case KindStream:
		return "stream_error"
	default:
		return "internal_error"
	}
}

// Error carries a Kind, the message that is safe to show a client, and the
// wrapped cause (which may contain vendor detail and must only be logged).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Configuration builds a KindConfiguration error with a fixed message.
func Configuration(msg string) error {
	return &Error{Kind: KindConfiguration, Message: msg}
}

// NotFound builds a KindNotFound error.
func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// Upstream wraps a vendor failure. The public message is generic on purpose:
// vendor error bodies sometimes echo the request, headers and URL included.
func Upstream(provider string, err error) error {
	return &Error{
		Kind:    KindUpstream,
		Message: fmt.Sprintf("error from %s API", provider),
		Err:     err,
	}
}

// KindOf reports the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// PublicMessage returns the text that may be shown to a client.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps an error to the status code the HTTP layer should use.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindConfiguration:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
