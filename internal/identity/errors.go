// Package identity verifies connecting accounts against a signature-based
// identity provider: it resolves an account's published keys, checks the
// login challenge, and verifies the challenge signature.
package identity

import "fmt"

// AuthKind names one authentication failure mode. The kind travels to the
// client in the close reason so an expired challenge is distinguishable
// from a bad key.
type AuthKind string

const (
	KindMissingFields       AuthKind = "MissingFields"
	KindBadChallengeFormat  AuthKind = "BadChallengeFormat"
	KindChallengeExpired    AuthKind = "ChallengeExpired"
	KindChallengeFromFuture AuthKind = "ChallengeFromFuture"
	KindUnknownAccount      AuthKind = "UnknownAccount"
	KindUnknownKey          AuthKind = "UnknownKey"
	KindBadSignature        AuthKind = "BadSignature"
	KindAccessDenied        AuthKind = "AccessDenied"
)

// AuthError is a handshake failure with a machine-readable kind.
type AuthError struct {
	Kind AuthKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError wraps err with a kind.
func NewAuthError(kind AuthKind, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}

// Authf builds an AuthError from a format string.
func Authf(kind AuthKind, format string, args ...any) *AuthError {
	return &AuthError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
