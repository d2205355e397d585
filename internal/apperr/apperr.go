// Package apperr defines the error kinds services return so callers can
// tell a missing record from a conflict or a failing Worker.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	Validation
	Unauthorized
	NotFound
	Conflict
	UpstreamTimeout
	UpstreamError
	Persistence
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case UpstreamTimeout:
		return "upstream_timeout"
	case UpstreamError:
		return "upstream_error"
	case Persistence:
		return "persistence"
	default:
		return "internal"
	}
}

// Error carries a kind, the failing operation and a user-facing message.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the text safe to show to API callers.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Kind == Persistence || e.Kind == Internal {
		return "internal error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func E(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Invalid(op, msg string) *Error { return E(Validation, op, msg) }
func Missing(op, msg string) *Error { return E(NotFound, op, msg) }
func Exists(op, msg string) *Error { return E(Conflict, op, msg) }
func Denied(op, msg string) *Error { return E(Unauthorized, op, msg) }
func Store(op string, err error) *Error { return Wrap(Persistence, op, err) }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the caller-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	return "internal error"
}

// HTTPStatus maps a kind onto the status code the API answers with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case UpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
