package common

import (
	"context"
	"errors"
	"net/http"

	"gorm.io/gorm"
)

type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindValidation
	KindNotFound
	KindDownstream
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindDownstream:
		return "downstream"
	default:
		return "internal"
	}
}

// Error is the single error type crossing package boundaries. Msg is safe
// to show to clients; Err carries the cause for logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func AuthError(msg string) error {
	return &Error{Kind: KindAuth, Msg: msg}
}

func ValidationError(msg string, err error) error {
	return &Error{Kind: KindValidation, Msg: msg, Err: err}
}

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

func DownstreamError(msg string, err error) error {
	return &Error{Kind: KindDownstream, Msg: msg, Err: err}
}

func InternalError(msg string, err error) error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KindNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDownstream
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message is the client-facing text. Internal causes are never exposed.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	switch KindOf(err) {
	case KindNotFound:
		return "not found"
	case KindDownstream:
		return "downstream unavailable"
	default:
		return "internal error"
	}
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDownstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Code(kind Kind) int {
	switch kind {
	case KindAuth:
		return 40101
	case KindValidation:
		return 10001
	case KindNotFound:
		return 40401
	case KindDownstream:
		return 50201
	default:
		return 50001
	}
}
