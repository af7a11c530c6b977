package acl

import (
	"errors"
	"fmt"
)

// ErrorKind classifies access and policy failures.
type ErrorKind string

const (
	// KindForbidden covers insufficient privilege: 403.
	KindForbidden ErrorKind = "forbidden"
	// KindPolicyNotSupported covers public-right changes on system-managed
	// collections: 501.
	KindPolicyNotSupported ErrorKind = "policy_not_supported"
	// KindPolicyNotAllowed covers delegation changes on system-managed
	// collections: 405.
	KindPolicyNotAllowed ErrorKind = "policy_not_allowed"
)

// Error is the typed error returned by access-control decisions. Policy
// and authorization errors are raised before any mutation, so a caller
// seeing one can assume state is unchanged.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Forbiddenf builds a 403 error.
func Forbiddenf(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// IsForbidden reports whether err is an authorization failure.
func IsForbidden(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == KindForbidden
}

// KindOf returns the error kind, or "" for non-acl errors.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
