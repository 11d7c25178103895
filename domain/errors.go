package domain

import (
	"errors"
	"fmt"
)

// Kind classifies board errors.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindRemoteFailure    Kind = "remote_failure"
	KindBusy             Kind = "busy"
)

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrRemoteFailure    = &Error{Kind: KindRemoteFailure}
	ErrBusy             = &Error{Kind: KindBusy}
)

// Error is a classified board error carrying a user-facing message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func newError(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(code, message string) *Error {
	return newError(KindValidation, code, message, nil)
}

func PermissionDenied(code, message string) *Error {
	return newError(KindPermissionDenied, code, message, nil)
}

func NotFound(code, message string) *Error {
	return newError(KindNotFound, code, message, nil)
}

func Busy(code, message string) *Error {
	return newError(KindBusy, code, message, nil)
}

// RemoteFailure wraps an adapter error. Every adapter failure, including an
// unreachable backend, takes this path.
func RemoteFailure(code, message string, err error) *Error {
	return newError(KindRemoteFailure, code, message, err)
}

// KindOf returns the kind of err, or RemoteFailure for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRemoteFailure
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
