package rbac

import "context"

// Store persists the directory. Implementations return ErrNotFound for missing
// rows and the matching *Exists sentinel on unique violations. User and role
// reads are eager: every returned User carries its roles and every Role its
// permissions, loaded without per-row follow-up queries.
type Store interface {
	UserByID(ctx context.Context, id string) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]User, error)
	InsertUser(ctx context.Context, u User, roleIDs []string) (User, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error)
	SetUserRoles(ctx context.Context, userID string, roleIDs []string) error

	RoleByID(ctx context.Context, id string) (Role, error)
	RoleByName(ctx context.Context, name string) (Role, error)
	RolesByNames(ctx context.Context, names []string) ([]Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	InsertRole(ctx context.Context, r Role, permissionIDs []string) (Role, error)
	UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	DeleteRole(ctx context.Context, id string) error
	SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error

	PermissionByName(ctx context.Context, name string) (Permission, error)
	PermissionsByNames(ctx context.Context, names []string) ([]Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	InsertPermission(ctx context.Context, p Permission) (Permission, error)
}

// PasswordHasher hashes and verifies credentials for the Directory.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) bool
	NeedsRehash(encoded string) bool
	CheckStrength(password string) (bool, string)
}
