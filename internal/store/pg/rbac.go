package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"neurobank.org/internal/ids"
	"neurobank.org/internal/rbac"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ rbac.Store = (*Store)(nil)

// userGraph selects users with their roles and permissions in one pass.
// Each row is one (user, role, permission) triple; role and permission
// columns are null when absent.
const userGraph = `
	select u.id, u.username, u.email, u.hashed_password, u.full_name, u.is_active, u.is_superuser, u.created_at, u.updated_at,
	       r.id, r.name, r.description, r.created_at, r.updated_at,
	       p.id, p.name, p.resource, p.action, p.description, p.created_at
	from %s u
	left join user_roles ur on ur.user_id = u.id
	left join roles r on r.id = ur.role_id
	left join role_permissions rp on rp.role_id = r.id
	left join permissions p on p.id = rp.permission_id
	%s
	order by u.id, ur.assigned_at, r.name, p.name`

const roleGraph = `
	select r.id, r.name, r.description, r.created_at, r.updated_at,
	       p.id, p.name, p.resource, p.action, p.description, p.created_at
	from roles r
	left join role_permissions rp on rp.role_id = r.id
	left join permissions p on p.id = rp.permission_id
	%s
	order by r.name, p.name`

const permissionColumns = `select id, name, resource, action, description, created_at from permissions`

func (s *Store) UserByID(ctx context.Context, id string) (rbac.User, error) {
	return s.oneUser(ctx, fmt.Sprintf(userGraph, "users", "where u.id = $1"), id)
}

func (s *Store) UserByUsername(ctx context.Context, username string) (rbac.User, error) {
	return s.oneUser(ctx, fmt.Sprintf(userGraph, "users", "where u.username = $1"), username)
}

func (s *Store) UserByEmail(ctx context.Context, email string) (rbac.User, error) {
	return s.oneUser(ctx, fmt.Sprintf(userGraph, "users", "where u.email = $1"), email)
}

func (s *Store) ListUsers(ctx context.Context, filter rbac.UserFilter) ([]rbac.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	page := `(select * from users where ($1::boolean is null or is_active = $1) order by id limit $2 offset $3)`
	var active sql.NullBool
	if filter.Active != nil {
		active = sql.NullBool{Bool: *filter.Active, Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(userGraph, page, ""), active, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users, err := scanUsers(rows)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []rbac.User{}
	}
	return users, nil
}

func (s *Store) oneUser(ctx context.Context, query string, arg any) (rbac.User, error) {
	if s.db == nil {
		return rbac.User{}, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return rbac.User{}, err
	}
	defer rows.Close()
	users, err := scanUsers(rows)
	if err != nil {
		return rbac.User{}, err
	}
	if len(users) == 0 {
		return rbac.User{}, rbac.ErrNotFound
	}
	return users[0], nil
}

func (s *Store) InsertUser(ctx context.Context, u rbac.User, roleIDs []string) (rbac.User, error) {
	if u.ID == "" {
		u.ID = ids.New()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into users (id, username, email, hashed_password, full_name, is_active, is_superuser)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, u.ID, u.Username, u.Email, u.PasswordHash, nullIfEmpty(u.FullName), u.IsActive, u.IsSuperuser); err != nil {
			return mapWriteError(err)
		}
		return insertUserRoles(ctx, tx, u.ID, roleIDs)
	})
	if err != nil {
		return rbac.User{}, err
	}
	return s.UserByID(ctx, u.ID)
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd rbac.UserUpdate) (rbac.User, error) {
	if s.db == nil {
		return rbac.User{}, errNoDB
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.Username != nil {
		add("username", *upd.Username)
	}
	if upd.Email != nil {
		add("email", *upd.Email)
	}
	if upd.FullName != nil {
		add("full_name", nullIfEmpty(*upd.FullName))
	}
	if upd.Password != nil {
		add("hashed_password", *upd.Password)
	}
	if upd.IsActive != nil {
		add("is_active", *upd.IsActive)
	}
	if upd.IsSuperuser != nil {
		add("is_superuser", *upd.IsSuperuser)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return rbac.User{}, mapWriteError(err)
		}
		if err := expectAffected(res); err != nil {
			return rbac.User{}, err
		}
	}
	return s.UserByID(ctx, id)
}

// SetUserRoles replaces the user's role set atomically.
func (s *Store) SetUserRoles(ctx context.Context, userID string, roleIDs []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from users where id = $1)`, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return rbac.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
			return err
		}
		return insertUserRoles(ctx, tx, userID, roleIDs)
	})
}

func insertUserRoles(ctx context.Context, tx *sql.Tx, userID string, roleIDs []string) error {
	for _, roleID := range roleIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id) values ($1, $2)
			on conflict do nothing
		`, userID, roleID); err != nil {
			return mapWriteError(err)
		}
	}
	return nil
}

func (s *Store) RoleByID(ctx context.Context, id string) (rbac.Role, error) {
	return s.oneRole(ctx, fmt.Sprintf(roleGraph, "where r.id = $1"), id)
}

func (s *Store) RoleByName(ctx context.Context, name string) (rbac.Role, error) {
	return s.oneRole(ctx, fmt.Sprintf(roleGraph, "where r.name = $1"), name)
}

func (s *Store) RolesByNames(ctx context.Context, names []string) ([]rbac.Role, error) {
	return s.roles(ctx, fmt.Sprintf(roleGraph, "where r.name = any($1)"), names)
}

func (s *Store) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return s.roles(ctx, fmt.Sprintf(roleGraph, ""))
}

func (s *Store) oneRole(ctx context.Context, query string, arg any) (rbac.Role, error) {
	roles, err := s.roles(ctx, query, arg)
	if err != nil {
		return rbac.Role{}, err
	}
	if len(roles) == 0 {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return roles[0], nil
}

func (s *Store) roles(ctx context.Context, query string, args ...any) ([]rbac.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles, err := scanRoles(rows)
	if err != nil {
		return nil, err
	}
	if roles == nil {
		roles = []rbac.Role{}
	}
	return roles, nil
}

func (s *Store) InsertRole(ctx context.Context, r rbac.Role, permissionIDs []string) (rbac.Role, error) {
	if r.ID == "" {
		r.ID = ids.New()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into roles (id, name, description) values ($1, $2, $3)
		`, r.ID, r.Name, nullIfEmpty(r.Description)); err != nil {
			return mapWriteError(err)
		}
		return insertRolePermissions(ctx, tx, r.ID, permissionIDs)
	})
	if err != nil {
		return rbac.Role{}, err
	}
	return s.RoleByID(ctx, r.ID)
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd rbac.RoleUpdate) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errNoDB
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, nullIfEmpty(*upd.Description))
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return rbac.Role{}, mapWriteError(err)
		}
		if err := expectAffected(res); err != nil {
			return rbac.Role{}, err
		}
	}
	return s.RoleByID(ctx, id)
}

// DeleteRole removes the role; assignments go with it via on delete cascade.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from roles where id = $1)`, roleID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return rbac.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
			return err
		}
		return insertRolePermissions(ctx, tx, roleID, permissionIDs)
	})
}

func insertRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, permissionIDs []string) error {
	for _, permID := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id) values ($1, $2)
			on conflict do nothing
		`, roleID, permID); err != nil {
			return mapWriteError(err)
		}
	}
	return nil
}

func (s *Store) PermissionByName(ctx context.Context, name string) (rbac.Permission, error) {
	perms, err := s.permissions(ctx, permissionColumns+` where name = $1`, name)
	if err != nil {
		return rbac.Permission{}, err
	}
	if len(perms) == 0 {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	return perms[0], nil
}

func (s *Store) PermissionsByNames(ctx context.Context, names []string) ([]rbac.Permission, error) {
	return s.permissions(ctx, permissionColumns+` where name = any($1) order by name`, names)
}

func (s *Store) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	return s.permissions(ctx, permissionColumns+` order by name`)
}

func (s *Store) permissions(ctx context.Context, query string, args ...any) ([]rbac.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []rbac.Permission{}
	for rows.Next() {
		var (
			p    rbac.Permission
			desc sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &desc, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		p.CreatedAt = p.CreatedAt.UTC()
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) InsertPermission(ctx context.Context, p rbac.Permission) (rbac.Permission, error) {
	if s.db == nil {
		return rbac.Permission{}, errNoDB
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		insert into permissions (id, name, resource, action, description)
		values ($1, $2, $3, $4, $5)
		returning id, name, resource, action, description, created_at
	`, p.ID, p.Name, p.Resource, p.Action, nullIfEmpty(p.Description)).
		Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &desc, &p.CreatedAt)
	if err != nil {
		return rbac.Permission{}, mapWriteError(err)
	}
	p.Description = desc.String
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

type nullRole struct {
	id, name, desc   sql.NullString
	created, updated sql.NullTime
}

type nullPermission struct {
	id, name, resource, action, desc sql.NullString
	created                          sql.NullTime
}

func (r nullRole) role() rbac.Role {
	return rbac.Role{
		ID:          r.id.String,
		Name:        r.name.String,
		Description: r.desc.String,
		CreatedAt:   r.created.Time.UTC(),
		UpdatedAt:   r.updated.Time.UTC(),
		Permissions: []rbac.Permission{},
	}
}

func (p nullPermission) permission() rbac.Permission {
	return rbac.Permission{
		ID:          p.id.String,
		Name:        p.name.String,
		Resource:    p.resource.String,
		Action:      p.action.String,
		Description: p.desc.String,
		CreatedAt:   p.created.Time.UTC(),
	}
}

func scanUsers(rows *sql.Rows) ([]rbac.User, error) {
	var (
		users   []rbac.User
		userIdx = map[string]int{}
		roleIdx = map[string]map[string]int{}
	)
	for rows.Next() {
		var (
			u        rbac.User
			fullName sql.NullString
			r        nullRole
			p        nullPermission
		)
		if err := rows.Scan(
			&u.ID, &u.Username, &u.Email, &u.PasswordHash, &fullName, &u.IsActive, &u.IsSuperuser, &u.CreatedAt, &u.UpdatedAt,
			&r.id, &r.name, &r.desc, &r.created, &r.updated,
			&p.id, &p.name, &p.resource, &p.action, &p.desc, &p.created,
		); err != nil {
			return nil, err
		}
		i, ok := userIdx[u.ID]
		if !ok {
			u.FullName = fullName.String
			u.CreatedAt = u.CreatedAt.UTC()
			u.UpdatedAt = u.UpdatedAt.UTC()
			u.Roles = []rbac.Role{}
			users = append(users, u)
			i = len(users) - 1
			userIdx[u.ID] = i
			roleIdx[u.ID] = map[string]int{}
		}
		if !r.id.Valid {
			continue
		}
		ri, ok := roleIdx[u.ID][r.id.String]
		if !ok {
			users[i].Roles = append(users[i].Roles, r.role())
			ri = len(users[i].Roles) - 1
			roleIdx[u.ID][r.id.String] = ri
		}
		if p.id.Valid {
			users[i].Roles[ri].Permissions = append(users[i].Roles[ri].Permissions, p.permission())
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func scanRoles(rows *sql.Rows) ([]rbac.Role, error) {
	var (
		roles   []rbac.Role
		roleIdx = map[string]int{}
	)
	for rows.Next() {
		var (
			r nullRole
			p nullPermission
		)
		if err := rows.Scan(
			&r.id, &r.name, &r.desc, &r.created, &r.updated,
			&p.id, &p.name, &p.resource, &p.action, &p.desc, &p.created,
		); err != nil {
			return nil, err
		}
		i, ok := roleIdx[r.id.String]
		if !ok {
			roles = append(roles, r.role())
			i = len(roles) - 1
			roleIdx[r.id.String] = i
		}
		if p.id.Valid {
			roles[i].Permissions = append(roles[i].Permissions, p.permission())
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// mapWriteError turns constraint violations into directory sentinels.
func mapWriteError(err error) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		switch pgErr.ConstraintName {
		case "uq_users_username":
			return rbac.ErrUsernameExists
		case "uq_users_email":
			return rbac.ErrEmailExists
		case "uq_roles_name":
			return rbac.ErrRoleExists
		case "uq_permissions_name":
			return rbac.ErrPermissionExists
		}
		return fmt.Errorf("%w: %s", rbac.ErrInvalidInput, pgErr.ConstraintName)
	case pgErrForeignKeyViolation:
		return rbac.ErrNotFound
	}
	return err
}

func expectAffected(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
