package rbac

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrWeakPassword        = errors.New("weak password")
	ErrUsernameExists      = errors.New("username already registered")
	ErrEmailExists         = errors.New("email already registered")
	ErrRoleExists          = errors.New("role already exists")
	ErrPermissionExists    = errors.New("permission already exists")
	ErrUserNotFound        = errors.New("user not found")
	ErrRoleNotFound        = errors.New("role not found")
	ErrSystemRoleDeletion  = errors.New("cannot delete system role")
	ErrSystemRoleImmutable = errors.New("cannot rename system role")
	ErrInvalidCredentials  = errors.New("incorrect username or password")
	ErrValidation          = errors.New("validation failed")
)

// ValidationError lists the offending values of a request, e.g. unknown role names.
type ValidationError struct {
	Field   string
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Field, strings.Join(e.Missing, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Kind is a transport-neutral error classification.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindConflict
	KindNotFound
	KindRejected
	KindUnauthorized
)

// KindOf classifies err for boundary mapping.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrWeakPassword), errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput):
		return KindBadRequest
	case errors.Is(err, ErrUsernameExists), errors.Is(err, ErrEmailExists),
		errors.Is(err, ErrRoleExists), errors.Is(err, ErrPermissionExists):
		return KindConflict
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrRoleNotFound), errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrSystemRoleDeletion), errors.Is(err, ErrSystemRoleImmutable):
		return KindRejected
	case errors.Is(err, ErrInvalidCredentials):
		return KindUnauthorized
	default:
		return KindInternal
	}
}

// WeakPasswordError carries the strength checker's message verbatim.
type WeakPasswordError struct {
	Reason string
}

func (e *WeakPasswordError) Error() string { return e.Reason }

func (e *WeakPasswordError) Is(target error) bool { return target == ErrWeakPassword }
