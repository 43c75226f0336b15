// Package memory is an in-process rbac.Store used for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"neurobank.org/internal/ids"
	"neurobank.org/internal/rbac"
)

type Store struct {
	mu        sync.RWMutex
	users     map[string]rbac.User
	userRoles map[string][]string
	roles     map[string]rbac.Role
	rolePerms map[string][]string
	perms     map[string]rbac.Permission
	now       func() time.Time
}

var _ rbac.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:     make(map[string]rbac.User),
		userRoles: make(map[string][]string),
		roles:     make(map[string]rbac.Role),
		rolePerms: make(map[string][]string),
		perms:     make(map[string]rbac.Permission),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) UserByID(ctx context.Context, id string) (rbac.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return rbac.User{}, rbac.ErrNotFound
	}
	return s.hydrateUser(u), nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (rbac.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			return s.hydrateUser(u), nil
		}
	}
	return rbac.User{}, rbac.ErrNotFound
}

func (s *Store) UserByEmail(ctx context.Context, email string) (rbac.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return s.hydrateUser(u), nil
		}
	}
	return rbac.User{}, rbac.ErrNotFound
}

func (s *Store) ListUsers(ctx context.Context, filter rbac.UserFilter) ([]rbac.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]rbac.User, 0, len(s.users))
	for _, u := range s.users {
		if filter.Active != nil && u.IsActive != *filter.Active {
			continue
		}
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if filter.Offset >= len(all) {
		return []rbac.User{}, nil
	}
	all = all[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	out := make([]rbac.User, 0, len(all))
	for _, u := range all {
		out = append(out, s.hydrateUser(u))
	}
	return out, nil
}

func (s *Store) InsertUser(ctx context.Context, u rbac.User, roleIDs []string) (rbac.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return rbac.User{}, rbac.ErrUsernameExists
		}
		if existing.Email == u.Email {
			return rbac.User{}, rbac.ErrEmailExists
		}
	}
	for _, id := range roleIDs {
		if _, ok := s.roles[id]; !ok {
			return rbac.User{}, rbac.ErrNotFound
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	u.Roles = nil
	s.users[u.ID] = u
	s.userRoles[u.ID] = append([]string(nil), roleIDs...)
	return s.hydrateUser(u), nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd rbac.UserUpdate) (rbac.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return rbac.User{}, rbac.ErrNotFound
	}
	for otherID, other := range s.users {
		if otherID == id {
			continue
		}
		if upd.Username != nil && other.Username == *upd.Username {
			return rbac.User{}, rbac.ErrUsernameExists
		}
		if upd.Email != nil && other.Email == *upd.Email {
			return rbac.User{}, rbac.ErrEmailExists
		}
	}
	if upd.Username != nil {
		u.Username = *upd.Username
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.FullName != nil {
		u.FullName = *upd.FullName
	}
	if upd.Password != nil {
		u.PasswordHash = *upd.Password
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	if upd.IsSuperuser != nil {
		u.IsSuperuser = *upd.IsSuperuser
	}
	u.UpdatedAt = s.now()
	s.users[id] = u
	return s.hydrateUser(u), nil
}

func (s *Store) SetUserRoles(ctx context.Context, userID string, roleIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return rbac.ErrNotFound
	}
	for _, id := range roleIDs {
		if _, ok := s.roles[id]; !ok {
			return rbac.ErrNotFound
		}
	}
	s.userRoles[userID] = append([]string(nil), roleIDs...)
	return nil
}

func (s *Store) RoleByID(ctx context.Context, id string) (rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return s.hydrateRole(r), nil
}

func (s *Store) RoleByName(ctx context.Context, name string) (rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if r.Name == name {
			return s.hydrateRole(r), nil
		}
	}
	return rbac.Role{}, rbac.ErrNotFound
}

func (s *Store) RolesByNames(ctx context.Context, names []string) ([]rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	var out []rbac.Role
	for _, r := range s.roles {
		if _, ok := want[r.Name]; ok {
			out = append(out, s.hydrateRole(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, s.hydrateRole(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) InsertRole(ctx context.Context, r rbac.Role, permissionIDs []string) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == r.Name {
			return rbac.Role{}, rbac.ErrRoleExists
		}
	}
	for _, id := range permissionIDs {
		if _, ok := s.perms[id]; !ok {
			return rbac.Role{}, rbac.ErrNotFound
		}
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now
	r.Permissions = nil
	s.roles[r.ID] = r
	s.rolePerms[r.ID] = append([]string(nil), permissionIDs...)
	return s.hydrateRole(r), nil
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd rbac.RoleUpdate) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return rbac.Role{}, rbac.ErrNotFound
	}
	if upd.Name != nil {
		for otherID, other := range s.roles {
			if otherID != id && other.Name == *upd.Name {
				return rbac.Role{}, rbac.ErrRoleExists
			}
		}
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	r.UpdatedAt = s.now()
	s.roles[id] = r
	return s.hydrateRole(r), nil
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return rbac.ErrNotFound
	}
	delete(s.roles, id)
	delete(s.rolePerms, id)
	for userID, roleIDs := range s.userRoles {
		s.userRoles[userID] = without(roleIDs, id)
	}
	return nil
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return rbac.ErrNotFound
	}
	for _, id := range permissionIDs {
		if _, ok := s.perms[id]; !ok {
			return rbac.ErrNotFound
		}
	}
	s.rolePerms[roleID] = append([]string(nil), permissionIDs...)
	return nil
}

func (s *Store) PermissionByName(ctx context.Context, name string) (rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.perms {
		if p.Name == name {
			return p, nil
		}
	}
	return rbac.Permission{}, rbac.ErrNotFound
}

func (s *Store) PermissionsByNames(ctx context.Context, names []string) ([]rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	var out []rbac.Permission
	for _, p := range s.perms {
		if _, ok := want[p.Name]; ok {
			out = append(out, p)
		}
	}
	sortPermissions(out)
	return out, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	sortPermissions(out)
	return out, nil
}

func (s *Store) InsertPermission(ctx context.Context, p rbac.Permission) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.perms {
		if existing.Name == p.Name {
			return rbac.Permission{}, rbac.ErrPermissionExists
		}
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	p.CreatedAt = s.now()
	s.perms[p.ID] = p
	return p, nil
}

// hydrateUser attaches roles and permissions. Caller holds the lock.
func (s *Store) hydrateUser(u rbac.User) rbac.User {
	roleIDs := s.userRoles[u.ID]
	u.Roles = make([]rbac.Role, 0, len(roleIDs))
	for _, id := range roleIDs {
		if r, ok := s.roles[id]; ok {
			u.Roles = append(u.Roles, s.hydrateRole(r))
		}
	}
	return u
}

func (s *Store) hydrateRole(r rbac.Role) rbac.Role {
	permIDs := s.rolePerms[r.ID]
	r.Permissions = make([]rbac.Permission, 0, len(permIDs))
	for _, id := range permIDs {
		if p, ok := s.perms[id]; ok {
			r.Permissions = append(r.Permissions, p)
		}
	}
	sortPermissions(r.Permissions)
	return r
}

func sortPermissions(perms []rbac.Permission) {
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
}

func without(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
