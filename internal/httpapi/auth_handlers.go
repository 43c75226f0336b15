package httpapi

import (
	"net/http"
	"strings"

	"neurobank.org/internal/auth"
	"neurobank.org/internal/rbac"
)

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	FullName string `json:"full_name" validate:"max=255"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type loginResponse struct {
	auth.TokenPair
	User rbac.User `json:"user"`
}

type meResponse struct {
	User   rbac.User `json:"user"`
	Scopes []string  `json:"scopes"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}
	pair, principal, err := a.sessions.Login(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		_ = a.audit.Record(r.Context(), "auth.login.failed", map[string]any{"username": req.Username})
		a.writeServiceError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), principal)
	_ = a.audit.Record(ctx, "auth.login", nil)
	writeJSON(w, r, http.StatusOK, loginResponse{TokenPair: pair, User: principal.User})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decode(w, r, &req) {
		return
	}
	u, err := a.directory.Register(r.Context(), rbac.NewUser{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.Record(r.Context(), "auth.register", map[string]any{"user_id": u.ID})
	w.Header().Set("Location", "/api/users/"+u.ID)
	writeJSON(w, r, http.StatusCreated, u)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !a.decode(w, r, &req) {
		return
	}
	pair, principal, err := a.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.Record(auth.ContextWithPrincipal(r.Context(), principal), "auth.refresh", nil)
	writeJSON(w, r, http.StatusOK, loginResponse{TokenPair: pair, User: principal.User})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.sessions.Logout(r.Context(), req.RefreshToken); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.Record(r.Context(), "auth.logout", nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleMe is strict: only a user principal gets an answer.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	outcome, _ := auth.OutcomeFromContext(r.Context())
	if outcome.State == auth.StateDenied {
		writeAuthError(w, r, outcome.Reason)
		return
	}
	if outcome.Principal == nil {
		writeAuthError(w, r, auth.ReasonUnauthenticated)
		return
	}
	writeJSON(w, r, http.StatusOK, meResponse{
		User:   outcome.Principal.User,
		Scopes: outcome.Principal.Scopes.Sorted(),
	})
}

// handleStatus is flexible: expected failures answer authenticated=false.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	outcome, _ := auth.OutcomeFromContext(r.Context())
	resp := map[string]any{
		"authenticated": outcome.Allowed(),
		"method":        outcome.State.String(),
	}
	if outcome.Principal != nil {
		resp["user"] = outcome.Principal.User
		resp["scopes"] = outcome.Principal.Scopes.Sorted()
	}
	writeJSON(w, r, http.StatusOK, resp)
}
