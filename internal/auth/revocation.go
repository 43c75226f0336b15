package auth

import (
	"context"
	"time"
)

// RevocationStore remembers spent or revoked refresh token ids until they
// expire.
type RevocationStore interface {
	// Revoke marks tokenID as unusable until the given instant.
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	// Claim atomically marks tokenID as spent. first is true only for the
	// one caller that found it unclaimed and not revoked.
	Claim(ctx context.Context, tokenID string, until time.Time) (first bool, err error)
}

// NopRevocations is used when no shared store is configured; revoked
// tokens then stay usable until they expire.
type NopRevocations struct{}

func (NopRevocations) Revoke(context.Context, string, time.Time) error { return nil }

func (NopRevocations) Claim(context.Context, string, time.Time) (bool, error) { return true, nil }
