package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"neurobank.org/internal/config"
)

const revokedPrefix = "neurobank:revoked:"

// Revocations keeps revoked refresh token ids in Redis until the token
// would have expired anyway.
type Revocations struct {
	client *redis.Client
	now    func() time.Time
}

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	const op = "cache.Connect"
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return client, nil
}

func NewRevocations(client *redis.Client) *Revocations {
	return &Revocations{client: client, now: time.Now}
}

// Revoke marks tokenID as revoked until the given instant. Tokens that are
// already past until need no entry.
func (r *Revocations) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	const op = "cache.Revoke"
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, revokedPrefix+tokenID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Claim spends tokenID with SET NX so that concurrent callers race on a
// single Redis write. Only the winner sees first == true; a token revoked
// by Revoke can no longer be claimed.
func (r *Revocations) Claim(ctx context.Context, tokenID string, until time.Time) (bool, error) {
	const op = "cache.Claim"
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return false, nil
	}
	first, err := r.client.SetNX(ctx, revokedPrefix+tokenID, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return first, nil
}

// Ping reports whether Redis answers; used by readiness checks.
func (r *Revocations) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
