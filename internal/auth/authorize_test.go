package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurobank.org/internal/rbac"
)

func principalWith(roles ...rbac.Role) *Principal {
	return NewPrincipal(rbac.User{ID: "u1", Username: "alice", IsActive: true, Roles: roles})
}

func TestPrincipalPermissions(t *testing.T) {
	p := principalWith(
		rbac.Role{Name: "operator", Permissions: []rbac.Permission{{Name: "transactions:read"}, {Name: "accounts:read"}}},
		rbac.Role{Name: "auditor", Permissions: []rbac.Permission{{Name: "accounts:read"}, {Name: "reports:read"}}},
	)

	assert.True(t, p.Scopes.Has("reports:read"))
	assert.False(t, p.Scopes.Has("accounts:write"))
	assert.True(t, p.HasRole("auditor"))
	assert.False(t, p.HasRole("admin"))
	assert.Equal(t, []string{"accounts:read", "reports:read", "transactions:read"}, p.Scopes.Sorted())

	var nilPrincipal *Principal
	assert.False(t, nilPrincipal.HasRole("auditor"))
}

func TestRequire(t *testing.T) {
	p := principalWith(rbac.Role{Name: "auditor", Permissions: []rbac.Permission{{Name: "users:read"}, {Name: "roles:read"}}})

	got, err := Require(p, "users:read", "roles:read")
	require.NoError(t, err)
	assert.Same(t, p, got)

	got, err = Require(p)
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = Require(p, "users:read", "users:write")
	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, ReasonUnauthorized, ReasonOf(err))
	assert.Contains(t, err.Error(), "users:write")

	_, err = Require(nil, "users:read")
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, ReasonUnauthenticated, ReasonOf(err))
}

func TestRequireRole(t *testing.T) {
	p := principalWith(rbac.Role{Name: "operator"})

	_, err := RequireRole(p, "admin", "operator")
	require.NoError(t, err)

	_, err = RequireRole(p, "admin")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = RequireRole(nil, "admin")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestNoRolesMeansNoScopes(t *testing.T) {
	p := principalWith()
	assert.Empty(t, p.Scopes)
	_, err := Require(p, "users:read")
	require.ErrorIs(t, err, ErrForbidden)
}
