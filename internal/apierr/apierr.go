// Package apierr is the error taxonomy shared by the streaming pipeline,
// the metadata worker, and the HTTP surface.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	NotFound         Kind = "not_found"
	Unavailable      Kind = "unavailable"
	Timeout          Kind = "timeout"
	RemoteError      Kind = "remote_error"
	RateLimited      Kind = "rate_limited"
	BadRequest       Kind = "bad_request"
	PermissionDenied Kind = "permission_denied"
	ToolMissing      Kind = "tool_missing"
	Corrupted        Kind = "corrupted"
)

// Error wraps an underlying cause with a Kind that downstream callers
// (the HTTP layer, the worker's retry descriptor) switch on.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// As extracts the Kind of err, defaulting to RemoteError for unrecognized errors.
func As(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return RemoteError
}

// StatusCode maps a Kind to the HTTP status the surface should return.
func StatusCode(k Kind) int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case Unavailable:
		return http.StatusServiceUnavailable
	case Timeout, RemoteError:
		return http.StatusBadGateway
	case RateLimited:
		return http.StatusTooManyRequests
	case BadRequest:
		return http.StatusBadRequest
	case PermissionDenied:
		return http.StatusForbidden
	case ToolMissing:
		return http.StatusServiceUnavailable
	case Corrupted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
