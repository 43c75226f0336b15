package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"neurobank.org/internal/ids"
	"neurobank.org/internal/rbac"
)

type createUserRequest struct {
	Username    string   `json:"username" validate:"required,min=3,max=50"`
	Email       string   `json:"email" validate:"required,email"`
	Password    string   `json:"password" validate:"required"`
	FullName    string   `json:"full_name" validate:"max=255"`
	IsSuperuser bool     `json:"is_superuser"`
	Roles       []string `json:"roles" validate:"dive,required"`
}

type updateUserRequest struct {
	Username    *string `json:"username" validate:"omitempty,min=3,max=50"`
	Email       *string `json:"email" validate:"omitempty,email"`
	FullName    *string `json:"full_name" validate:"omitempty,max=255"`
	Password    *string `json:"password"`
	IsActive    *bool   `json:"is_active"`
	IsSuperuser *bool   `json:"is_superuser"`
}

type assignRolesRequest struct {
	Roles []string `json:"roles" validate:"dive,required"`
}

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,min=2,max=50"`
	Description string   `json:"description" validate:"max=255"`
	Permissions []string `json:"permissions" validate:"dive,required"`
}

type updateRoleRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=2,max=50"`
	Description *string `json:"description" validate:"omitempty,max=255"`
}

type assignPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"dive,required"`
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := parsePositiveInt(q.Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid limit")
		return
	}
	filter := rbac.UserFilter{Offset: offset, Limit: limit}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid active flag")
			return
		}
		filter.Active = &active
	}
	users, err := a.directory.ListUsers(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, users)
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !a.decode(w, r, &req) {
		return
	}
	u, err := a.directory.CreateUser(r.Context(), rbac.NewUser{
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		FullName:    req.FullName,
		IsSuperuser: req.IsSuperuser,
		Roles:       req.Roles,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.Record(r.Context(), "rbac.user.create", map[string]any{
		"user_id": u.ID,
		"roles":   u.RoleNames(),
	})
	w.Header().Set("Location", fmt.Sprintf("/api/users/%s", u.ID))
	writeJSON(w, r, http.StatusCreated, u)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "user")
	if !ok {
		return
	}
	u, err := a.directory.GetUser(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

type scopesResponse struct {
	UserID string   `json:"user_id"`
	Scopes []string `json:"scopes"`
}

func (a *API) userScopes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "user")
	if !ok {
		return
	}
	scopes, err := a.directory.EffectiveScopes(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, scopesResponse{UserID: id, Scopes: scopes.Sorted()})
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if !a.decode(w, r, &req) {
		return
	}
	id, ok := pathID(w, r, "user")
	if !ok {
		return
	}
	u, err := a.directory.UpdateUser(r.Context(), id, rbac.UserUpdate{
		Username:    req.Username,
		Email:       req.Email,
		FullName:    req.FullName,
		Password:    req.Password,
		IsActive:    req.IsActive,
		IsSuperuser: req.IsSuperuser,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.Record(r.Context(), "rbac.user.update", map[string]any{
		"user_id":          id,
		"password_changed": req.Password != nil,
	})
	writeJSON(w, r, http.StatusOK, u)
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "user")
	if !ok {
		return
	}
	if err := a.directory.DeleteUser(r.Context(), id); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.Record(r.Context(), "rbac.user.deactivate", map[string]any{"user_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) assignRoles(w http.ResponseWriter, r *http.Request) {
	var req assignRolesRequest
	if !a.decode(w, r, &req) {
		return
	}
	id, ok := pathID(w, r, "user")
	if !ok {
		return
	}
	u, err := a.directory.AssignRoles(r.Context(), id, req.Roles)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.Record(r.Context(), "rbac.user.assign_roles", map[string]any{
		"user_id": id,
		"roles":   u.RoleNames(),
	})
	writeJSON(w, r, http.StatusOK, u)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.directory.ListRoles(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, roles)
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !a.decode(w, r, &req) {
		return
	}
	role, err := a.directory.CreateRole(r.Context(), rbac.NewRole{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.Record(r.Context(), "rbac.role.create", map[string]any{
		"role_id": role.ID,
		"name":    role.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/api/roles/%s", role.ID))
	writeJSON(w, r, http.StatusCreated, role)
}

func (a *API) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "role")
	if !ok {
		return
	}
	role, err := a.directory.GetRole(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, role)
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if !a.decode(w, r, &req) {
		return
	}
	id, ok := pathID(w, r, "role")
	if !ok {
		return
	}
	role, err := a.directory.UpdateRole(r.Context(), id, rbac.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.Record(r.Context(), "rbac.role.update", map[string]any{"role_id": id})
	writeJSON(w, r, http.StatusOK, role)
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "role")
	if !ok {
		return
	}
	if err := a.directory.DeleteRole(r.Context(), id); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.Record(r.Context(), "rbac.role.delete", map[string]any{"role_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) assignPermissions(w http.ResponseWriter, r *http.Request) {
	var req assignPermissionsRequest
	if !a.decode(w, r, &req) {
		return
	}
	id, ok := pathID(w, r, "role")
	if !ok {
		return
	}
	role, err := a.directory.AssignPermissions(r.Context(), id, req.Permissions)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.Record(r.Context(), "rbac.role.permissions.update", map[string]any{
		"role_id": id,
		"count":   len(role.Permissions),
	})
	writeJSON(w, r, http.StatusOK, role)
}

func (a *API) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.directory.ListPermissions(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, perms)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value %d out of range [%d,%d]", v, min, max)
	}
	return v, nil
}

// pathID returns the {id} URL parameter. Malformed identifiers answer 404
// without reaching the store.
func pathID(w http.ResponseWriter, r *http.Request, what string) (string, bool) {
	id := chi.URLParam(r, "id")
	if !ids.Valid(id) {
		writeError(w, r, http.StatusNotFound, what+" not found")
		return "", false
	}
	return id, true
}
