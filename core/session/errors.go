package session

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the errors reported by the resolver.
type Kind int

const (
	// KindCredential: invalid email/password, duplicate account or unknown sign-up role. Never retried.
	KindCredential Kind = iota + 1
	// KindProvider: the identity provider could not be reached, or rate limited the call.
	KindProvider
	// KindRoleWrite: the role could not be assigned after the account was created.
	KindRoleWrite
	// KindRoleFetch: transient role store read failure, absorbed by the retry loop.
	KindRoleFetch
	// KindInvalidRoleSelection: the role is not one of the available roles.
	KindInvalidRoleSelection
)

func (k Kind) String() string {
	switch k {
	case KindCredential:
		return "credential error"
	case KindProvider:
		return "identity provider error"
	case KindRoleWrite:
		return "role write error"
	case KindRoleFetch:
		return "role fetch error"
	case KindInvalidRoleSelection:
		return "invalid role selection"
	}
	return "unknown error"
}

// Error is returned by the resolver operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// Fields holds per-field messages for credential errors, when the provider sends them.
	Fields map[string]string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err into an *Error of the given kind. An err that already is an *Error keeps its kind.
func NewError(op string, kind Kind, err error) *Error {
	var sErr *Error
	if errors.As(err, &sErr) {
		res := *sErr
		if res.Op == "" {
			res.Op = op
		}
		return &res
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, 0 if err is not an *Error.
func KindOf(err error) Kind {
	var sErr *Error
	if errors.As(err, &sErr) {
		return sErr.Kind
	}
	return 0
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
