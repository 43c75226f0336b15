package httpapi

import (
	"net/http"
	"strings"

	"neurobank.org/internal/auth"
	"neurobank.org/internal/obs"
)

const (
	authHeader   = "Authorization"
	apiKeyHeader = "X-API-Key"
	bearer       = "bearer "
)

// authenticate resolves the request credentials once and stores the
// outcome in the context. Denials are not rejected here; the route guards
// decide, so that flexible endpoints can still answer.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outcome, err := a.resolver.Resolve(r.Context(), credentialsFrom(r))
		if err != nil {
			a.log.Error("authentication error", obs.Err(err))
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		obs.RecordAuthOutcome("http", outcome.State.String(), string(outcome.Reason))
		next.ServeHTTP(w, r.WithContext(auth.ContextWithOutcome(r.Context(), outcome)))
	})
}

// requireUser admits only user principals holding every scope.
func (a *API) requireUser(scopes ...string) func(http.Handler) http.Handler {
	return a.guard(false, func(p *auth.Principal) (*auth.Principal, error) {
		return auth.Require(p, scopes...)
	})
}

// requireRead additionally admits the service API key.
func (a *API) requireRead(scopes ...string) func(http.Handler) http.Handler {
	return a.guard(true, func(p *auth.Principal) (*auth.Principal, error) {
		return auth.Require(p, scopes...)
	})
}

// requireRole admits user principals holding at least one of roles.
func (a *API) requireRole(roles ...string) func(http.Handler) http.Handler {
	return a.guard(false, func(p *auth.Principal) (*auth.Principal, error) {
		return auth.RequireRole(p, roles...)
	})
}

func (a *API) guard(allowAPIKey bool, check func(*auth.Principal) (*auth.Principal, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome, _ := auth.OutcomeFromContext(r.Context())
			switch outcome.State {
			case auth.StateDenied:
				reason := outcome.Reason
				if reason == "" {
					reason = auth.ReasonUnauthenticated
				}
				writeAuthError(w, r, reason)
				return
			case auth.StateAPIKey:
				if !allowAPIKey {
					writeAuthError(w, r, auth.ReasonUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if _, err := check(outcome.Principal); err != nil {
				if outcome.Principal != nil {
					a.log.Info("permission denied",
						"user_id", outcome.Principal.User.ID,
						"route", obs.RoutePattern(r),
						obs.Err(err),
					)
				}
				writeAuthError(w, r, auth.ReasonOf(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// credentialsFrom reads the bearer token and the API key header.
func credentialsFrom(r *http.Request) auth.Credentials {
	var creds auth.Credentials
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if len(header) > len(bearer) && strings.EqualFold(header[:len(bearer)], bearer) {
		creds.Bearer = strings.TrimSpace(header[len(bearer):])
	}
	creds.APIKey = strings.TrimSpace(r.Header.Get(apiKeyHeader))
	return creds
}
