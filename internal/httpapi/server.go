package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"neurobank.org/internal/audit"
	"neurobank.org/internal/auth"
	"neurobank.org/internal/obs"
	"neurobank.org/internal/rbac"
	"neurobank.org/internal/stream"
)

// Directory is the user/role service behind the admin endpoints.
type Directory interface {
	CreateUser(ctx context.Context, in rbac.NewUser) (rbac.User, error)
	Register(ctx context.Context, in rbac.NewUser) (rbac.User, error)
	GetUser(ctx context.Context, id string) (rbac.User, error)
	ListUsers(ctx context.Context, filter rbac.UserFilter) ([]rbac.User, error)
	UpdateUser(ctx context.Context, id string, upd rbac.UserUpdate) (rbac.User, error)
	DeleteUser(ctx context.Context, id string) error
	AssignRoles(ctx context.Context, userID string, names []string) (rbac.User, error)
	EffectiveScopes(ctx context.Context, userID string) (rbac.ScopeSet, error)

	CreateRole(ctx context.Context, in rbac.NewRole) (rbac.Role, error)
	GetRole(ctx context.Context, id string) (rbac.Role, error)
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	UpdateRole(ctx context.Context, id string, upd rbac.RoleUpdate) (rbac.Role, error)
	DeleteRole(ctx context.Context, id string) error
	AssignPermissions(ctx context.Context, roleID string, names []string) (rbac.Role, error)
	ListPermissions(ctx context.Context) ([]rbac.Permission, error)
}

// Sessions issues and rotates token pairs.
type Sessions interface {
	Login(ctx context.Context, username, password string) (auth.TokenPair, *auth.Principal, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, *auth.Principal, error)
	Logout(ctx context.Context, refreshToken string) error
}

// Resolver turns request credentials into an authentication outcome.
type Resolver interface {
	Resolve(ctx context.Context, creds auth.Credentials) (auth.Outcome, error)
}

// ReadyProbe reports whether dependencies (database, redis) are reachable.
type ReadyProbe func(ctx context.Context) error

// Config tunes the HTTP boundary.
type Config struct {
	Version      string
	MaxBodyBytes int64
	LoginRate    float64
	LoginBurst   int
	// TrustProxy takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable it only behind a proxy that overwrites them.
	TrustProxy bool
}

// API is the HTTP layer.
type API struct {
	directory Directory
	sessions  Sessions
	resolver  Resolver
	ready     ReadyProbe
	audit     *audit.Logger
	log       *slog.Logger
	validate  *validator.Validate
	limiter   *limiter
	stream    *stream.Stream
	cfg       Config
}

type Option func(*API)

func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

func WithReadyProbe(p ReadyProbe) Option {
	return func(a *API) {
		if p != nil {
			a.ready = p
		}
	}
}

func WithAudit(l *audit.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.audit = l
		}
	}
}

// WithStream enables the live audit feed; records are published to s.
func WithStream(s *stream.Stream) Option {
	return func(a *API) { a.stream = s }
}

func New(directory Directory, sessions Sessions, resolver Resolver, cfg Config, opts ...Option) (*API, error) {
	if directory == nil || sessions == nil || resolver == nil {
		return nil, errors.New("httpapi: directory, sessions and resolver are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.LoginRate <= 0 {
		cfg.LoginRate = 1
	}
	if cfg.LoginBurst <= 0 {
		cfg.LoginBurst = 5
	}
	a := &API{
		directory: directory,
		sessions:  sessions,
		resolver:  resolver,
		ready:     func(context.Context) error { return nil },
		log:       obs.Discard(),
		validate:  validator.New(),
		cfg:       cfg,
	}
	a.validate.RegisterTagNameFunc(jsonFieldName)
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		var auditOpts []audit.Option
		if a.stream != nil {
			auditOpts = append(auditOpts, audit.WithStream(a.stream))
		}
		a.audit = audit.New(a.log, auditOpts...)
	}
	a.limiter = newLimiter(cfg.LoginRate, cfg.LoginBurst, 10000, 10*time.Minute)
	return a, nil
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if a.cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(
		a.logging,
		middleware.Recoverer,
		obs.Instrument,
		SecurityHeaders,
		a.maxBodyBytes,
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Handle("/metrics", obs.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(a.limiter.middleware).Post("/login", a.handleLogin)
			r.With(a.limiter.middleware).Post("/register", a.handleRegister)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/logout", a.handleLogout)
			r.With(a.authenticate).Get("/me", a.handleMe)
			r.With(a.authenticate).Get("/status", a.handleStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)

			r.With(a.requireRead(rbac.ScopeUsersRead)).Get("/users", a.listUsers)
			r.With(a.requireUser(rbac.ScopeUsersWrite)).Post("/users", a.createUser)
			r.With(a.requireRead(rbac.ScopeUsersRead)).Get("/users/{id}", a.getUser)
			r.With(a.requireUser(rbac.ScopeUsersWrite)).Put("/users/{id}", a.updateUser)
			r.With(a.requireUser(rbac.ScopeUsersDelete)).Delete("/users/{id}", a.deleteUser)
			r.With(a.requireUser(rbac.ScopeUsersWrite)).Put("/users/{id}/roles", a.assignRoles)
			r.With(a.requireRead(rbac.ScopeUsersRead)).Get("/users/{id}/scopes", a.userScopes)

			r.With(a.requireRead(rbac.ScopeRolesRead)).Get("/roles", a.listRoles)
			r.With(a.requireUser(rbac.ScopeRolesWrite)).Post("/roles", a.createRole)
			r.With(a.requireRead(rbac.ScopeRolesRead)).Get("/roles/{id}", a.getRole)
			r.With(a.requireUser(rbac.ScopeRolesWrite)).Put("/roles/{id}", a.updateRole)
			r.With(a.requireUser(rbac.ScopeRolesDelete)).Delete("/roles/{id}", a.deleteRole)
			r.With(a.requireUser(rbac.ScopeRolesWrite)).Put("/roles/{id}/permissions", a.assignPermissions)

			r.With(a.requireRead(rbac.ScopeRolesRead)).Get("/permissions", a.listPermissions)

			r.With(a.requireRole(rbac.RoleAdmin, rbac.RoleAuditor)).Get("/audit/stream", a.streamAudit)
		})
	})

	return r
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":  "ok",
		"service": "neurobank-api",
		"version": a.cfg.Version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready(ctx); err != nil {
		a.log.Warn("readiness check failed", obs.Err(err))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	render.JSON(w, r, map[string]any{"status": "ready"})
}
