package rbac_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurobank.org/internal/auth"
	"neurobank.org/internal/rbac"
	"neurobank.org/internal/store/memory"
)

type harness struct {
	store *memory.Store
	dir   *rbac.Directory
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store := memory.New()
	require.NoError(t, rbac.Bootstrap(context.Background(), store))
	hasher, err := auth.NewHasher([]string{"argon2", "bcrypt"})
	require.NoError(t, err)
	dir, err := rbac.NewDirectory(store, hasher)
	require.NoError(t, err)
	return harness{store: store, dir: dir}
}

func (h harness) alice(t *testing.T, roles ...string) rbac.User {
	t.Helper()
	u, err := h.dir.CreateUser(context.Background(), rbac.NewUser{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "S3curePass",
		Roles:    roles,
	})
	require.NoError(t, err)
	return u
}

func (h harness) roleByName(t *testing.T, name string) rbac.Role {
	t.Helper()
	r, err := h.store.RoleByName(context.Background(), name)
	require.NoError(t, err)
	return r
}

func TestBootstrapIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	before, err := h.dir.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, before, 15)
	roles, err := h.dir.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 4)

	u := h.alice(t, rbac.RoleAuditor)
	scopesBefore, err := h.dir.EffectiveScopes(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, rbac.Bootstrap(ctx, h.store))

	after, err := h.dir.ListPermissions(ctx)
	require.NoError(t, err)
	assert.Len(t, after, 15)
	scopesAfter, err := h.dir.EffectiveScopes(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, scopesBefore, scopesAfter)
}

func TestNewUserHasNoScopesUntilAdminAssigned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.alice(t)

	scopes, err := h.dir.EffectiveScopes(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, scopes)

	u, err = h.dir.AssignRoles(ctx, u.ID, []string{rbac.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, []string{rbac.RoleAdmin}, u.RoleNames())

	scopes, err = h.dir.EffectiveScopes(ctx, u.ID)
	require.NoError(t, err)
	var all []string
	for _, p := range rbac.BootstrapPermissions() {
		all = append(all, p.Name)
	}
	assert.ElementsMatch(t, all, scopes.Sorted())
}

func TestSystemRolesCannotBeDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, name := range []string{rbac.RoleAdmin, rbac.RoleCustomer, rbac.RoleAuditor, rbac.RoleOperator} {
		r := h.roleByName(t, name)
		require.ErrorIs(t, h.dir.DeleteRole(ctx, r.ID), rbac.ErrSystemRoleDeletion, name)
		_, err := h.dir.GetRole(ctx, r.ID)
		require.NoError(t, err, "role %s must survive", name)
	}
}

func TestDuplicateUsernameWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.alice(t)

	_, err := h.dir.CreateUser(ctx, rbac.NewUser{
		Username: "alice",
		Email:    "other@example.com",
		Password: "S3curePass",
	})
	require.ErrorIs(t, err, rbac.ErrUsernameExists)

	users, err := h.dir.ListUsers(ctx, rbac.UserFilter{})
	require.NoError(t, err)
	assert.Len(t, users, 1)

	_, err = h.dir.CreateUser(ctx, rbac.NewUser{
		Username: "alice2",
		Email:    "ALICE@example.com ",
		Password: "S3curePass",
	})
	require.ErrorIs(t, err, rbac.ErrEmailExists)
}

func TestAssignUnknownRoleLeavesRolesUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.alice(t, rbac.RoleOperator)

	_, err := h.dir.AssignRoles(ctx, u.ID, []string{rbac.RoleAuditor, "does_not_exist"})
	require.ErrorIs(t, err, rbac.ErrValidation)
	var verr *rbac.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"does_not_exist"}, verr.Missing)

	got, err := h.dir.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{rbac.RoleOperator}, got.RoleNames())
}

func TestCreateUserValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.dir.CreateUser(ctx, rbac.NewUser{Username: "bob", Email: "bob@example.com", Password: "weak"})
	require.ErrorIs(t, err, rbac.ErrWeakPassword)
	assert.Equal(t, "Password must be at least 8 characters long", err.Error())

	_, err = h.dir.CreateUser(ctx, rbac.NewUser{Username: "bob", Email: "bob@example.com", Password: "S3curePass", Roles: []string{"ghost"}})
	require.ErrorIs(t, err, rbac.ErrValidation)

	_, err = h.dir.CreateUser(ctx, rbac.NewUser{Username: " ", Email: "bob@example.com", Password: "S3curePass"})
	require.ErrorIs(t, err, rbac.ErrInvalidInput)

	_, err = h.dir.CreateUser(ctx, rbac.NewUser{Username: "bob", Email: "not-an-email", Password: "S3curePass"})
	require.ErrorIs(t, err, rbac.ErrInvalidInput)

	users, err := h.dir.ListUsers(ctx, rbac.UserFilter{})
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRegisterAssignsCustomerRole(t *testing.T) {
	h := newHarness(t)
	u, err := h.dir.Register(context.Background(), rbac.NewUser{
		Username: "carol", Email: "carol@example.com", Password: "S3curePass",
		IsSuperuser: true, Roles: []string{rbac.RoleAdmin},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{rbac.RoleCustomer}, u.RoleNames())
	assert.False(t, u.IsSuperuser)
	assert.True(t, u.IsActive)
}

func TestUpdateUserChecksOnlyChangedValues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.alice(t)
	_, err := h.dir.CreateUser(ctx, rbac.NewUser{Username: "bob", Email: "bob@example.com", Password: "S3curePass"})
	require.NoError(t, err)

	same, email := "alice", "alice@example.com"
	updated, err := h.dir.UpdateUser(ctx, u.ID, rbac.UserUpdate{Username: &same, Email: &email})
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.Username)

	taken := "bob"
	_, err = h.dir.UpdateUser(ctx, u.ID, rbac.UserUpdate{Username: &taken})
	require.ErrorIs(t, err, rbac.ErrUsernameExists)

	takenEmail := "bob@example.com"
	_, err = h.dir.UpdateUser(ctx, u.ID, rbac.UserUpdate{Email: &takenEmail})
	require.ErrorIs(t, err, rbac.ErrEmailExists)

	weak := "password"
	_, err = h.dir.UpdateUser(ctx, u.ID, rbac.UserUpdate{Password: &weak})
	require.ErrorIs(t, err, rbac.ErrWeakPassword)

	strong, name := "N3wSecret!", "Alice Liddell"
	_, err = h.dir.UpdateUser(ctx, u.ID, rbac.UserUpdate{Password: &strong, FullName: &name})
	require.NoError(t, err)
	_, err = h.dir.Authenticate(ctx, "alice", "N3wSecret!")
	require.NoError(t, err)
	_, err = h.dir.Authenticate(ctx, "alice", "S3curePass")
	require.ErrorIs(t, err, rbac.ErrInvalidCredentials)

	missing := "x"
	_, err = h.dir.UpdateUser(ctx, "nope", rbac.UserUpdate{FullName: &missing})
	require.ErrorIs(t, err, rbac.ErrUserNotFound)
}

func TestDeleteUserIsSoft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.alice(t, rbac.RoleAuditor)

	require.NoError(t, h.dir.DeleteUser(ctx, u.ID))
	got, err := h.dir.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, []string{rbac.RoleAuditor}, got.RoleNames())

	active := true
	users, err := h.dir.ListUsers(ctx, rbac.UserFilter{Active: &active})
	require.NoError(t, err)
	assert.Empty(t, users)

	_, err = h.dir.Authenticate(ctx, "alice", "S3curePass")
	require.ErrorIs(t, err, rbac.ErrInvalidCredentials)

	require.ErrorIs(t, h.dir.DeleteUser(ctx, "missing"), rbac.ErrUserNotFound)
}

func TestRoleLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	teller, err := h.dir.CreateRole(ctx, rbac.NewRole{
		Name:        "teller",
		Description: "Branch teller",
		Permissions: []string{"accounts:read", "transactions:write"},
	})
	require.NoError(t, err)
	assert.Len(t, teller.Permissions, 2)

	_, err = h.dir.CreateRole(ctx, rbac.NewRole{Name: "teller"})
	require.ErrorIs(t, err, rbac.ErrRoleExists)

	_, err = h.dir.CreateRole(ctx, rbac.NewRole{Name: "clerk", Permissions: []string{"vault:open"}})
	require.ErrorIs(t, err, rbac.ErrValidation)

	u := h.alice(t, "teller")
	scopes, err := h.dir.EffectiveScopes(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts:read", "transactions:write"}, scopes.Sorted())

	teller, err = h.dir.AssignPermissions(ctx, teller.ID, []string{"reports:read"})
	require.NoError(t, err)
	require.Len(t, teller.Permissions, 1)
	scopes, err = h.dir.EffectiveScopes(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports:read"}, scopes.Sorted())

	_, err = h.dir.AssignPermissions(ctx, teller.ID, []string{"reports:read", "nope:read"})
	require.ErrorIs(t, err, rbac.ErrValidation)
	_, err = h.dir.AssignPermissions(ctx, teller.ID, []string{"reports"})
	require.ErrorIs(t, err, rbac.ErrInvalidInput)
	assert.Contains(t, err.Error(), `"reports"`)
	again, err := h.dir.GetRole(ctx, teller.ID)
	require.NoError(t, err)
	assert.Len(t, again.Permissions, 1)

	renamed := "senior-teller"
	teller, err = h.dir.UpdateRole(ctx, teller.ID, rbac.RoleUpdate{Name: &renamed})
	require.NoError(t, err)
	assert.Equal(t, "senior-teller", teller.Name)

	require.NoError(t, h.dir.DeleteRole(ctx, teller.ID))
	_, err = h.dir.GetRole(ctx, teller.ID)
	require.ErrorIs(t, err, rbac.ErrRoleNotFound)

	got, err := h.dir.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Roles)

	require.ErrorIs(t, h.dir.DeleteRole(ctx, teller.ID), rbac.ErrRoleNotFound)
}

func TestSystemRoleCannotBeRenamed(t *testing.T) {
	h := newHarness(t)
	admin := h.roleByName(t, rbac.RoleAdmin)

	name := "root"
	_, err := h.dir.UpdateRole(context.Background(), admin.ID, rbac.RoleUpdate{Name: &name})
	require.ErrorIs(t, err, rbac.ErrSystemRoleImmutable)

	desc := "Super user"
	r, err := h.dir.UpdateRole(context.Background(), admin.ID, rbac.RoleUpdate{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "Super user", r.Description)
}

func TestAuthenticateUpgradesLegacyHash(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, rbac.Bootstrap(ctx, store))

	legacy, err := auth.NewHasher([]string{"bcrypt", "argon2"}, auth.WithBcryptCost(4))
	require.NoError(t, err)
	old, err := rbac.NewDirectory(store, legacy)
	require.NoError(t, err)
	u, err := old.CreateUser(ctx, rbac.NewUser{Username: "dave", Email: "dave@example.com", Password: "S3curePass"})
	require.NoError(t, err)
	require.Equal(t, auth.SchemeBcrypt, auth.Identify(u.PasswordHash))

	modern, err := auth.NewHasher([]string{"argon2", "bcrypt"})
	require.NoError(t, err)
	dir, err := rbac.NewDirectory(store, modern)
	require.NoError(t, err)

	_, err = dir.Authenticate(ctx, "dave", "S3curePass")
	require.NoError(t, err)

	stored, err := store.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.SchemeArgon2, auth.Identify(stored.PasswordHash))

	_, err = dir.Authenticate(ctx, "dave", "S3curePass")
	require.NoError(t, err)
}

type countingHasher struct {
	rbac.PasswordHasher
	verified []string
}

func (c *countingHasher) Verify(password, encoded string) bool {
	c.verified = append(c.verified, encoded)
	return c.PasswordHasher.Verify(password, encoded)
}

func TestAuthenticateUnknownUserStillVerifies(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, rbac.Bootstrap(ctx, store))
	inner, err := auth.NewHasher([]string{"argon2", "bcrypt"})
	require.NoError(t, err)
	hasher := &countingHasher{PasswordHasher: inner}
	dir, err := rbac.NewDirectory(store, hasher)
	require.NoError(t, err)

	_, err = dir.Authenticate(ctx, "nobody", "S3curePass")
	require.ErrorIs(t, err, rbac.ErrInvalidCredentials)
	_, err = dir.Authenticate(ctx, "ghost", "Other1Pass")
	require.ErrorIs(t, err, rbac.ErrInvalidCredentials)

	require.Len(t, hasher.verified, 2)
	assert.Equal(t, auth.SchemeArgon2, auth.Identify(hasher.verified[0]))
	assert.Equal(t, hasher.verified[0], hasher.verified[1])
}
