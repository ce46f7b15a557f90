package core

import (
	"errors"
	"fmt"
)

// Kind classifies backup subsystem failures.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation"
	KindStorage         Kind = "storage"
	KindIO              Kind = "io"
	KindExternalService Kind = "external_service"
	KindUnsupported     Kind = "unsupported"
	KindNotification    Kind = "notification"
	KindConflict        Kind = "conflict"
	KindInternal        Kind = "internal"
)

// Error is the typed error returned by the backup services.
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

// IsKind reports whether err carries a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func notFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}
