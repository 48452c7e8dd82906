package auth

import (
	"errors"
	"fmt"
)

// Kind is a closed set of auth failure categories. Callers switch on kinds
// instead of matching message text.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindSessionNotFound    Kind = "session_not_found"
	KindSessionExpired     Kind = "session_expired"
	KindConflict           Kind = "conflict"
	KindInvalidRequest     Kind = "invalid_request"
	KindUnavailable        Kind = "unavailable"
	KindInternal           Kind = "internal"
)

// Error carries the failure kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from an error chain, KindInternal when the
// error carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

func errKind(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errKindf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
