package protocol

import (
	"errors"
	"fmt"
)

// AuthErrorKind classifies a failed authenticate call.
type AuthErrorKind uint8

const (
	AuthUnspecified     AuthErrorKind = 0 // Catch-all for failures not otherwise classified
	AuthInvalidUsername AuthErrorKind = 1 // Username failed format validation
	AuthServerFull      AuthErrorKind = 2 // Player limit reached
	AuthBanned          AuthErrorKind = 3 // Username is on the ban list
)

// String returns the string representation of the kind.
// Kinds unknown to this version read as "unspecified".
func (k AuthErrorKind) String() string {
	switch k {
	case AuthInvalidUsername:
		return "invalidUsername"
	case AuthServerFull:
		return "serverFull"
	case AuthBanned:
		return "banned"
	default:
		return "unspecified"
	}
}

// Normalize maps kinds added by newer peers to AuthUnspecified.
func (k AuthErrorKind) Normalize() AuthErrorKind {
	if k > AuthBanned {
		return AuthUnspecified
	}
	return k
}

// AuthenticationError is the structured failure of GameServer.authenticate.
// It is a normal RPC result: the connection stays open and the caller may retry.
type AuthenticationError struct {
	Kind    AuthErrorKind `cbor:"1,keyasint"`
	Message string        `cbor:"2,keyasint"`
}

// NewAuthenticationError creates a new AuthenticationError.
func NewAuthenticationError(kind AuthErrorKind, format string, args ...any) *AuthenticationError {
	return &AuthenticationError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error returns the error message.
func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed: %s", e.Kind)
	}
	return fmt.Sprintf("authentication failed: %s: %s", e.Kind, e.Message)
}

// AuthErrorKindOf returns the kind of the AuthenticationError wrapped by err.
func AuthErrorKindOf(err error) (AuthErrorKind, bool) {
	var ae *AuthenticationError
	if !errors.As(err, &ae) {
		return 0, false
	}
	return ae.Kind.Normalize(), true
}
