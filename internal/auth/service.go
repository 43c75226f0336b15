package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"neurobank.org/internal/obs"
	"neurobank.org/internal/rbac"
)

// Authenticator checks a username/password pair.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (rbac.User, error)
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Service issues, rotates and revokes token pairs.
type Service struct {
	directory Authenticator
	users     UserLoader
	codec     *Codec
	revoked   RevocationStore
	log       *slog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithRevocations enables refresh token revocation.
func WithRevocations(store RevocationStore) ServiceOption {
	return func(s *Service) {
		if store != nil {
			s.revoked = store
		}
	}
}

func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(directory Authenticator, users UserLoader, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if directory == nil || users == nil || codec == nil {
		return nil, errors.New("auth: directory, user loader and codec are required")
	}
	s := &Service{
		directory: directory,
		users:     users,
		codec:     codec,
		revoked:   NopRevocations{},
		log:       obs.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login verifies credentials and issues a token pair whose access token
// carries the user's effective scopes.
func (s *Service) Login(ctx context.Context, username, password string) (TokenPair, *Principal, error) {
	u, err := s.directory.Authenticate(ctx, username, password)
	if err != nil {
		return TokenPair{}, nil, err
	}
	p := NewPrincipal(u)
	pair, err := s.mint(p)
	if err != nil {
		return TokenPair{}, nil, err
	}
	s.log.Info("login succeeded", slog.String("user_id", u.ID))
	return pair, p, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// claimed atomically so that only one exchange can ever succeed with it.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, *Principal, error) {
	claims, err := s.codec.DecodeRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, nil, deny(reasonForToken(err), err)
	}
	first, err := s.revoked.Claim(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("claim refresh token: %w", err)
	}
	if !first {
		s.log.Info("refresh token replayed", slog.String("username", claims.Subject))
		return TokenPair{}, nil, deny(ReasonUnauthenticated, ErrTokenRevoked)
	}

	u, err := s.users.UserByUsername(ctx, claims.Subject)
	if errors.Is(err, rbac.ErrNotFound) {
		return TokenPair{}, nil, deny(ReasonUnauthenticated, fmt.Errorf("user %s not found", claims.Subject))
	}
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("load user: %w", err)
	}
	if !u.IsActive {
		return TokenPair{}, nil, deny(ReasonUnauthenticated, fmt.Errorf("user %s inactive", claims.Subject))
	}

	p := NewPrincipal(u)
	pair, err := s.mint(p)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, p, nil
}

// Logout revokes the refresh token until its natural expiry.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.codec.DecodeRefresh(refreshToken)
	if err != nil {
		return deny(reasonForToken(err), err)
	}
	if err := s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	s.log.Info("refresh token revoked", slog.String("username", claims.Subject))
	return nil
}

func (s *Service) mint(p *Principal) (TokenPair, error) {
	access, err := s.codec.IssueAccess(p.User.Username, p.Scopes.Sorted(), 0)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.codec.IssueRefresh(p.User.Username, 0)
	if err != nil {
		return TokenPair{}, err
	}
	obs.RecordTokenIssued(TokenTypeAccess)
	obs.RecordTokenIssued(TokenTypeRefresh)
	return TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		TokenType:        "bearer",
		ExpiresIn:        int64(s.codec.AccessTTL().Seconds()),
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}
