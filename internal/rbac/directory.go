package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"neurobank.org/internal/obs"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Directory manages users, roles and permissions on top of a Store.
type Directory struct {
	store  Store
	hasher PasswordHasher
	log    *slog.Logger

	// decoy is verified against when the username is unknown so that the
	// not-found path costs as much as a wrong password.
	decoyOnce sync.Once
	decoy     string
}

type DirectoryOption func(*Directory)

func WithLogger(l *slog.Logger) DirectoryOption {
	return func(d *Directory) {
		if l != nil {
			d.log = l
		}
	}
}

func NewDirectory(store Store, hasher PasswordHasher, opts ...DirectoryOption) (*Directory, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	if hasher == nil {
		return nil, errors.New("password hasher is required")
	}
	d := &Directory{store: store, hasher: hasher, log: obs.Discard()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// CreateUser validates and stores a new account. Nothing is written unless
// every check passes: username and email are free, the password is strong
// and every requested role exists.
func (d *Directory) CreateUser(ctx context.Context, in NewUser) (User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	email := normalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if err := d.ensureUsernameFree(ctx, username); err != nil {
		return User{}, err
	}
	if err := d.ensureEmailFree(ctx, email); err != nil {
		return User{}, err
	}
	if ok, msg := d.hasher.CheckStrength(in.Password); !ok {
		return User{}, &WeakPasswordError{Reason: msg}
	}
	roles, err := d.resolveRoles(ctx, in.Roles)
	if err != nil {
		return User{}, err
	}
	hash, err := d.hasher.Hash(in.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	return d.store.InsertUser(ctx, User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(in.FullName),
		IsActive:     true,
		IsSuperuser:  in.IsSuperuser,
	}, roleIDs(roles))
}

// Register creates a self-service account holding only the customer role.
func (d *Directory) Register(ctx context.Context, in NewUser) (User, error) {
	in.IsSuperuser = false
	in.Roles = []string{RoleCustomer}
	return d.CreateUser(ctx, in)
}

func (d *Directory) GetUser(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	u, err := d.store.UserByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

func (d *Directory) ListUsers(ctx context.Context, filter UserFilter) ([]User, error) {
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return d.store.ListUsers(ctx, filter)
}

// UpdateUser applies upd. Uniqueness and strength are only checked for values
// that actually change.
func (d *Directory) UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error) {
	current, err := d.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}

	if upd.Username != nil {
		username := strings.TrimSpace(*upd.Username)
		if username == "" {
			return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
		}
		if username == current.Username {
			upd.Username = nil
		} else {
			if err := d.ensureUsernameFree(ctx, username); err != nil {
				return User{}, err
			}
			upd.Username = &username
		}
	}
	if upd.Email != nil {
		email := normalizeEmail(*upd.Email)
		if email == "" || !strings.Contains(email, "@") {
			return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		if email == current.Email {
			upd.Email = nil
		} else {
			if err := d.ensureEmailFree(ctx, email); err != nil {
				return User{}, err
			}
			upd.Email = &email
		}
	}
	if upd.FullName != nil {
		name := strings.TrimSpace(*upd.FullName)
		upd.FullName = &name
	}
	if upd.Password != nil {
		if ok, msg := d.hasher.CheckStrength(*upd.Password); !ok {
			return User{}, &WeakPasswordError{Reason: msg}
		}
		hash, err := d.hasher.Hash(*upd.Password)
		if err != nil {
			return User{}, fmt.Errorf("hash password: %w", err)
		}
		upd.Password = &hash
	}

	u, err := d.store.UpdateUser(ctx, current.ID, upd)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrUserNotFound
	}
	return u, err
}

// DeleteUser deactivates the account. Rows are never removed.
func (d *Directory) DeleteUser(ctx context.Context, id string) error {
	inactive := false
	_, err := d.UpdateUser(ctx, id, UserUpdate{IsActive: &inactive})
	return err
}

// AssignRoles replaces the user's role set with names. When any name is
// unknown the existing assignment is left as it was.
func (d *Directory) AssignRoles(ctx context.Context, userID string, names []string) (User, error) {
	u, err := d.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	roles, err := d.resolveRoles(ctx, names)
	if err != nil {
		return User{}, err
	}
	if err := d.store.SetUserRoles(ctx, u.ID, roleIDs(roles)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return d.GetUser(ctx, u.ID)
}

// EffectiveScopes returns the union of the user's role permissions.
func (d *Directory) EffectiveScopes(ctx context.Context, userID string) (ScopeSet, error) {
	u, err := d.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return EffectiveScopes(u), nil
}

// Authenticate checks a username/password pair. Unknown users, wrong
// passwords and inactive accounts all yield ErrInvalidCredentials.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}
	u, err := d.store.UserByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		d.hasher.Verify(password, d.decoyHash())
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if !d.hasher.Verify(password, u.PasswordHash) || !u.IsActive {
		return User{}, ErrInvalidCredentials
	}

	if d.hasher.NeedsRehash(u.PasswordHash) {
		d.upgradeHash(ctx, u, password)
	}
	return u, nil
}

func (d *Directory) decoyHash() string {
	d.decoyOnce.Do(func() {
		hash, err := d.hasher.Hash("decoy-password-never-matches")
		if err != nil {
			d.log.Warn("decoy hash failed", obs.Err(err))
			return
		}
		d.decoy = hash
	})
	return d.decoy
}

func (d *Directory) upgradeHash(ctx context.Context, u User, password string) {
	hash, err := d.hasher.Hash(password)
	if err != nil {
		d.log.Warn("password rehash failed", slog.String("user_id", u.ID), obs.Err(err))
		return
	}
	if _, err := d.store.UpdateUser(ctx, u.ID, UserUpdate{Password: &hash}); err != nil {
		d.log.Warn("password rehash not stored", slog.String("user_id", u.ID), obs.Err(err))
		return
	}
	d.log.Info("password hash upgraded", slog.String("user_id", u.ID))
}

func (d *Directory) CreateRole(ctx context.Context, in NewRole) (Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if err := d.ensureRoleNameFree(ctx, name); err != nil {
		return Role{}, err
	}
	perms, err := d.resolvePermissions(ctx, in.Permissions)
	if err != nil {
		return Role{}, err
	}
	return d.store.InsertRole(ctx, Role{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
	}, permissionIDs(perms))
}

func (d *Directory) GetRole(ctx context.Context, id string) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	r, err := d.store.RoleByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Role{}, ErrRoleNotFound
	}
	return r, err
}

func (d *Directory) ListRoles(ctx context.Context) ([]Role, error) {
	return d.store.ListRoles(ctx)
}

func (d *Directory) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	current, err := d.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		if name == current.Name {
			upd.Name = nil
		} else {
			if IsSystemRole(current.Name) {
				return Role{}, ErrSystemRoleImmutable
			}
			if err := d.ensureRoleNameFree(ctx, name); err != nil {
				return Role{}, err
			}
			upd.Name = &name
		}
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	r, err := d.store.UpdateRole(ctx, current.ID, upd)
	if errors.Is(err, ErrNotFound) {
		return Role{}, ErrRoleNotFound
	}
	return r, err
}

// DeleteRole removes a non-system role together with its assignments.
func (d *Directory) DeleteRole(ctx context.Context, id string) error {
	r, err := d.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if IsSystemRole(r.Name) {
		return ErrSystemRoleDeletion
	}
	if err := d.store.DeleteRole(ctx, r.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrRoleNotFound
		}
		return err
	}
	return nil
}

// AssignPermissions replaces the role's permission set with names.
func (d *Directory) AssignPermissions(ctx context.Context, roleID string, names []string) (Role, error) {
	r, err := d.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	perms, err := d.resolvePermissions(ctx, names)
	if err != nil {
		return Role{}, err
	}
	if err := d.store.SetRolePermissions(ctx, r.ID, permissionIDs(perms)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Role{}, ErrRoleNotFound
		}
		return Role{}, err
	}
	return d.GetRole(ctx, r.ID)
}

func (d *Directory) ListPermissions(ctx context.Context) ([]Permission, error) {
	return d.store.ListPermissions(ctx)
}

func (d *Directory) ensureUsernameFree(ctx context.Context, username string) error {
	_, err := d.store.UserByUsername(ctx, username)
	switch {
	case err == nil:
		return ErrUsernameExists
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return err
	}
}

func (d *Directory) ensureEmailFree(ctx context.Context, email string) error {
	_, err := d.store.UserByEmail(ctx, email)
	switch {
	case err == nil:
		return ErrEmailExists
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return err
	}
}

func (d *Directory) ensureRoleNameFree(ctx context.Context, name string) error {
	_, err := d.store.RoleByName(ctx, name)
	switch {
	case err == nil:
		return ErrRoleExists
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return err
	}
}

func (d *Directory) resolveRoles(ctx context.Context, names []string) ([]Role, error) {
	names = dedupeStrings(names)
	if len(names) == 0 {
		return nil, nil
	}
	roles, err := d.store.RolesByNames(ctx, names)
	if err != nil {
		return nil, err
	}
	found := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		found[r.Name] = struct{}{}
	}
	if missing := missingNames(names, found); len(missing) > 0 {
		return nil, &ValidationError{Field: "roles", Missing: missing}
	}
	return roles, nil
}

func (d *Directory) resolvePermissions(ctx context.Context, names []string) ([]Permission, error) {
	names = dedupeStrings(names)
	if len(names) == 0 {
		return nil, nil
	}
	for _, n := range names {
		if _, _, ok := SplitPermission(n); !ok {
			return nil, fmt.Errorf("%w: permission %q is not resource:action", ErrInvalidInput, n)
		}
	}
	perms, err := d.store.PermissionsByNames(ctx, names)
	if err != nil {
		return nil, err
	}
	found := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		found[p.Name] = struct{}{}
	}
	if missing := missingNames(names, found); len(missing) > 0 {
		return nil, &ValidationError{Field: "permissions", Missing: missing}
	}
	return perms, nil
}

func missingNames(names []string, found map[string]struct{}) []string {
	var missing []string
	for _, n := range names {
		if _, ok := found[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

func roleIDs(roles []Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.ID)
	}
	return out
}

func permissionIDs(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.ID)
	}
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
