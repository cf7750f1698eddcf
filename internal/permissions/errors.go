package permissions

import (
	"errors"
	"fmt"
)

// Kind classifies permission errors for callers that translate them.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindActionNotPermitted Kind = "action_not_permitted"
	KindInvalidState       Kind = "invalid_state"
	KindStorageFailure     Kind = "storage_failure"
)

var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrActionNotPermitted = &Error{Kind: KindActionNotPermitted}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrStorageFailure     = &Error{Kind: KindStorageFailure}
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func ActionNotPermitted(format string, args ...any) error {
	return &Error{Kind: KindActionNotPermitted, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func StorageFailure(err error) error {
	return &Error{Kind: KindStorageFailure, Message: "storage failure", Err: err}
}

// KindOf returns the kind of err, or "" when err is not a permissions error.
func KindOf(err error) Kind {
	var permErr *Error
	if errors.As(err, &permErr) {
		return permErr.Kind
	}
	return ""
}
