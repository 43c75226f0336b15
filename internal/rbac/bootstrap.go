package rbac

import (
	"context"
	"errors"
	"fmt"
)

// Bootstrap creates the permission matrix and the system roles when absent.
// Existing rows are left untouched, so running it again changes nothing.
func Bootstrap(ctx context.Context, store Store) error {
	byName := make(map[string]Permission)
	for _, p := range BootstrapPermissions() {
		existing, err := ensurePermission(ctx, store, p)
		if err != nil {
			return fmt.Errorf("bootstrap permission %s: %w", p.Name, err)
		}
		byName[existing.Name] = existing
	}

	for _, sr := range SystemRoles() {
		_, err := store.RoleByName(ctx, sr.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("bootstrap role %s: %w", sr.Name, err)
		}
		permIDs := make([]string, 0, len(sr.Grants))
		for _, g := range sr.Grants {
			permIDs = append(permIDs, byName[g].ID)
		}
		_, err = store.InsertRole(ctx, Role{Name: sr.Name, Description: sr.Description}, permIDs)
		if err != nil && !errors.Is(err, ErrRoleExists) {
			return fmt.Errorf("bootstrap role %s: %w", sr.Name, err)
		}
	}
	return nil
}

func ensurePermission(ctx context.Context, store Store, p Permission) (Permission, error) {
	existing, err := store.PermissionByName(ctx, p.Name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Permission{}, err
	}
	created, err := store.InsertPermission(ctx, p)
	if errors.Is(err, ErrPermissionExists) {
		// concurrent bootstrap won the insert
		return store.PermissionByName(ctx, p.Name)
	}
	return created, err
}
