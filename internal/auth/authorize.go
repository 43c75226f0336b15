package auth

import (
	"fmt"
	"strings"

	"neurobank.org/internal/rbac"
)

// Principal represents a user with resolved roles and permissions.
type Principal struct {
	User   rbac.User
	Scopes rbac.ScopeSet
}

// NewPrincipal computes the effective scopes of user.
func NewPrincipal(user rbac.User) *Principal {
	return &Principal{User: user, Scopes: rbac.EffectiveScopes(user)}
}

// HasRole reports whether the principal holds the named role.
func (p *Principal) HasRole(name string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.User.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Require passes p through when it holds every required scope.
// An empty requirement admits any authenticated principal.
func Require(p *Principal, required ...string) (*Principal, error) {
	if p == nil {
		return nil, deny(ReasonUnauthenticated, nil)
	}
	if missing := p.Scopes.Missing(required...); len(missing) > 0 {
		return nil, deny(ReasonUnauthorized, fmt.Errorf("%w: missing %s", ErrForbidden, strings.Join(missing, ", ")))
	}
	return p, nil
}

// RequireRole passes p through when it holds at least one of roles.
func RequireRole(p *Principal, roles ...string) (*Principal, error) {
	if p == nil {
		return nil, deny(ReasonUnauthenticated, nil)
	}
	for _, r := range roles {
		if p.HasRole(r) {
			return p, nil
		}
	}
	return nil, deny(ReasonUnauthorized, fmt.Errorf("%w: requires role %s", ErrForbidden, strings.Join(roles, " or ")))
}
