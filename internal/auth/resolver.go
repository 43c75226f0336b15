package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"neurobank.org/internal/obs"
	"neurobank.org/internal/rbac"
)

// State is the terminal state of an authentication attempt.
type State int

const (
	StateDenied State = iota
	StateUser
	StateAPIKey
)

func (s State) String() string {
	switch s {
	case StateUser:
		return "user"
	case StateAPIKey:
		return "api_key"
	default:
		return "denied"
	}
}

// Outcome is the resolver decision. Principal is set only for StateUser and
// Reason only for StateDenied.
type Outcome struct {
	State     State
	Principal *Principal
	Reason    Reason
	Cause     error
}

func (o Outcome) Allowed() bool { return o.State != StateDenied }

// Credentials are the raw values a caller presented.
type Credentials struct {
	Bearer string
	APIKey string
}

// UserLoader loads a user with roles and permissions in one round trip.
// Tokens name their subject by username.
type UserLoader interface {
	UserByUsername(ctx context.Context, username string) (rbac.User, error)
}

// Resolver turns presented credentials into an Outcome.
type Resolver struct {
	codec  *Codec
	users  UserLoader
	apiKey []byte
	log    *slog.Logger
}

type ResolverOption func(*Resolver)

func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

// WithAPIKey enables the shared service key. An empty key disables it.
func WithAPIKey(key string) ResolverOption {
	return func(r *Resolver) {
		r.apiKey = []byte(strings.TrimSpace(key))
	}
}

func NewResolver(codec *Codec, users UserLoader, opts ...ResolverOption) (*Resolver, error) {
	if codec == nil {
		return nil, errors.New("auth: token codec is required")
	}
	if users == nil {
		return nil, errors.New("auth: user loader is required")
	}
	r := &Resolver{codec: codec, users: users, log: obs.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve decides the outcome for creds. A structurally valid access token
// whose user is missing or inactive is denied outright; the API key is only
// consulted when the bearer token is absent or fails to decode. The returned
// error is non-nil only for unexpected failures such as storage errors.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (Outcome, error) {
	bearer := strings.TrimSpace(creds.Bearer)

	var tokenErr error
	if bearer != "" {
		claims, err := r.codec.DecodeAccess(bearer)
		if err == nil {
			return r.resolveUser(ctx, claims.Subject)
		}
		tokenErr = err
		r.logRejected(ctx, bearer, err)
	}

	key := strings.TrimSpace(creds.APIKey)
	explicit := key != ""
	if !explicit {
		key = bearer
	}
	if key == "" {
		return denied(ReasonUnauthenticated, ErrUnauthenticated), nil
	}
	if r.apiKeyMatches(key) {
		return Outcome{State: StateAPIKey}, nil
	}
	if !explicit && looksLikeJWT(bearer) {
		return denied(reasonForToken(tokenErr), tokenErr), nil
	}
	r.log.Info("api key mismatch", slog.Bool("header", explicit))
	return denied(ReasonWrongCredential, errors.New("api key mismatch")), nil
}

// logRejected records why a bearer failed to decode. The expiry is read
// unverified and only ever reaches the log.
func (r *Resolver) logRejected(ctx context.Context, bearer string, err error) {
	attrs := []slog.Attr{
		slog.String("reason", string(reasonForToken(err))),
		obs.Err(err),
	}
	level := slog.LevelDebug
	if looksLikeJWT(bearer) {
		level = slog.LevelInfo
	}
	if exp, ok := r.codec.PeekExpiry(bearer); ok {
		attrs = append(attrs, slog.Time("exp", exp))
	}
	r.log.LogAttrs(ctx, level, "bearer token rejected", attrs...)
}

func (r *Resolver) resolveUser(ctx context.Context, username string) (Outcome, error) {
	u, err := r.users.UserByUsername(ctx, username)
	if errors.Is(err, rbac.ErrNotFound) {
		r.log.Info("token subject not found", slog.String("username", username))
		return denied(ReasonUnauthenticated, fmt.Errorf("%w: user %s not found", ErrUnauthenticated, username)), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load principal: %w", err)
	}
	if !u.IsActive {
		r.log.Info("token subject inactive", slog.String("username", username))
		return denied(ReasonUnauthenticated, fmt.Errorf("%w: user %s inactive", ErrUnauthenticated, username)), nil
	}
	return Outcome{State: StateUser, Principal: NewPrincipal(u)}, nil
}

// Authenticate is the strict mode: any denial becomes an *AuthError.
func (r *Resolver) Authenticate(ctx context.Context, creds Credentials) (Outcome, error) {
	o, err := r.Resolve(ctx, creds)
	if err != nil {
		return Outcome{}, err
	}
	if o.State == StateDenied {
		return o, deny(o.Reason, o.Cause)
	}
	return o, nil
}

// AuthenticateUser is strict and additionally requires a user principal.
func (r *Resolver) AuthenticateUser(ctx context.Context, creds Credentials) (*Principal, error) {
	o, err := r.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	if o.Principal == nil {
		return nil, deny(ReasonUnauthenticated, errors.New("user credentials required"))
	}
	return o.Principal, nil
}

// AuthenticateFlexible returns a nil principal on expected authentication
// failures and propagates everything else.
func (r *Resolver) AuthenticateFlexible(ctx context.Context, creds Credentials) (*Principal, error) {
	o, err := r.Resolve(ctx, creds)
	if err != nil {
		return nil, err
	}
	return o.Principal, nil
}

func (r *Resolver) apiKeyMatches(key string) bool {
	if len(r.apiKey) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), r.apiKey) == 1
}

func denied(reason Reason, cause error) Outcome {
	return Outcome{State: StateDenied, Reason: reason, Cause: cause}
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}
