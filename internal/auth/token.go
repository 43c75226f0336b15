package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer   = "neurobank"
	DefaultAudience = "neurobank-api"

	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	// MaxTokenBytes bounds the token string accepted by the decoders.
	MaxTokenBytes = 8 * 1024

	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotYetValid = errors.New("token not yet valid")
	ErrTokenInvalid     = errors.New("invalid token")
	ErrWrongTokenType   = errors.New("wrong token type")
	ErrTokenTooLarge    = errors.New("token too large")
	ErrTokenRevoked     = errors.New("token revoked")
)

// Claims is the payload of every token issued by the codec.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	Type   string   `json:"type"`
	jwt.RegisteredClaims
}

// Validate is called by the jwt parser after the registered claims checks.
func (c Claims) Validate() error {
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("sub claim is required")
	}
	if c.IssuedAt == nil {
		return errors.New("iat claim is required")
	}
	if c.NotBefore == nil {
		return errors.New("nbf claim is required")
	}
	return nil
}

// IssuedToken is a signed token together with its id and expiry.
type IssuedToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// Codec signs and verifies access and refresh tokens with a shared secret.
type Codec struct {
	secret     []byte
	method     jwt.SigningMethod
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec) error

// WithAlgorithm selects the HMAC algorithm (HS256, HS384, HS512).
func WithAlgorithm(alg string) CodecOption {
	return func(c *Codec) error {
		switch strings.ToUpper(strings.TrimSpace(alg)) {
		case "", "HS256":
			c.method = jwt.SigningMethodHS256
		case "HS384":
			c.method = jwt.SigningMethodHS384
		case "HS512":
			c.method = jwt.SigningMethodHS512
		default:
			return fmt.Errorf("auth: unsupported signing algorithm %q", alg)
		}
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
		return nil
	}
}

// WithAudience overrides the token audience claim.
func WithAudience(aud string) CodecOption {
	return func(c *Codec) error {
		if aud = strings.TrimSpace(aud); aud != "" {
			c.audience = aud
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) error {
		if ttl > 0 {
			c.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) error {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock injects the time source used for issuing and validating.
func WithClock(fn func() time.Time) CodecOption {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

func NewCodec(secret []byte, opts ...CodecOption) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	c := &Codec{
		secret:     append([]byte(nil), secret...),
		method:     jwt.SigningMethodHS256,
		issuer:     DefaultIssuer,
		audience:   DefaultAudience,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Codec) AccessTTL() time.Duration  { return c.accessTTL }
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccess signs an access token for subject carrying scopes.
// A zero ttl uses the configured default.
func (c *Codec) IssueAccess(subject string, scopes []string, ttl time.Duration) (IssuedToken, error) {
	if ttl <= 0 {
		ttl = c.accessTTL
	}
	return c.issue(subject, TokenTypeAccess, scopes, ttl)
}

// IssueRefresh signs a refresh token for subject.
func (c *Codec) IssueRefresh(subject string, ttl time.Duration) (IssuedToken, error) {
	if ttl <= 0 {
		ttl = c.refreshTTL
	}
	return c.issue(subject, TokenTypeRefresh, nil, ttl)
}

func (c *Codec) issue(subject, kind string, scopes []string, ttl time.Duration) (IssuedToken, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return IssuedToken{}, errors.New("auth: token subject is required")
	}
	now := c.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Scopes: scopes,
		Type:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign token: %w", err)
	}
	return IssuedToken{Token: signed, ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// DecodeAccess verifies token and requires it to be an access token.
func (c *Codec) DecodeAccess(token string) (*Claims, error) {
	return c.decode(token, TokenTypeAccess)
}

// DecodeRefresh verifies token and requires it to be a refresh token.
func (c *Codec) DecodeRefresh(token string) (*Claims, error) {
	return c.decode(token, TokenTypeRefresh)
}

func (c *Codec) decode(token, kind string) (*Claims, error) {
	if len(token) > MaxTokenBytes {
		return nil, ErrTokenTooLarge
	}
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, c.keyFunc,
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Type != kind {
		return nil, fmt.Errorf("%w: want %s, got %q", ErrWrongTokenType, kind, claims.Type)
	}
	return claims, nil
}

func (c *Codec) keyFunc(t *jwt.Token) (any, error) {
	if t.Method.Alg() != c.method.Alg() {
		return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
	}
	return c.secret, nil
}

// PeekExpiry reads exp without verifying the signature. Diagnostics only:
// the result must never drive an authorization decision.
func (c *Codec) PeekExpiry(token string) (time.Time, bool) {
	if token == "" || len(token) > MaxTokenBytes {
		return time.Time{}, false
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time.UTC(), true
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrTokenNotYetValid
	default:
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
}

// IsTokenError reports whether err is one of the token validation failures.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenNotYetValid) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrWrongTokenType) ||
		errors.Is(err, ErrTokenTooLarge) ||
		errors.Is(err, ErrTokenRevoked)
}
