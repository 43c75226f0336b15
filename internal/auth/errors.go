package auth

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("auth: not authenticated")
	ErrForbidden       = errors.New("auth: insufficient permissions")
)

// Reason classifies why a request was denied.
type Reason string

const (
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonUnauthorized    Reason = "unauthorized"
	ReasonWrongCredential Reason = "wrong_credential"
	ReasonExpired         Reason = "expired"
	ReasonMalformed       Reason = "malformed"
)

// AuthError is a denied authentication or authorization decision.
// Err holds the precise cause for server-side logs only.
type AuthError struct {
	Reason Reason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: denied (%s)", e.Reason)
	}
	return fmt.Sprintf("auth: denied (%s): %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is lets callers match the coarse sentinels.
func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Reason != ReasonUnauthorized && e.Reason != ReasonWrongCredential
	case ErrForbidden:
		return e.Reason == ReasonUnauthorized || e.Reason == ReasonWrongCredential
	}
	return false
}

func deny(reason Reason, cause error) *AuthError {
	return &AuthError{Reason: reason, Err: cause}
}

// ReasonOf extracts the denial reason, defaulting to unauthenticated.
func ReasonOf(err error) Reason {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonUnauthenticated
}

// reasonForToken maps a codec failure to a denial reason.
func reasonForToken(err error) Reason {
	if errors.Is(err, ErrTokenExpired) {
		return ReasonExpired
	}
	return ReasonMalformed
}
