package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"neurobank.org/internal/rbac"
	"neurobank.org/internal/store/memory"
)

const testAPIKey = "service-key-123"

type fixture struct {
	store     *memory.Store
	directory *rbac.Directory
	codec     *Codec
	clock     *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, rbac.Bootstrap(ctx, store))

	hasher, err := NewHasher([]string{"argon2", "bcrypt"})
	require.NoError(t, err)
	dir, err := rbac.NewDirectory(store, hasher)
	require.NoError(t, err)

	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
	return &fixture{store: store, directory: dir, codec: newTestCodec(t, clock), clock: clock}
}

func (f *fixture) createUser(t *testing.T, username string, roles ...string) rbac.User {
	t.Helper()
	u, err := f.directory.CreateUser(context.Background(), rbac.NewUser{
		Username: username,
		Email:    username + "@example.com",
		Password: "S3curePass",
		Roles:    roles,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) resolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(f.codec, f.store, WithAPIKey(testAPIKey))
	require.NoError(t, err)
	return r
}

type memRevocations struct {
	mu  sync.Mutex
	ids map[string]time.Time
}

func (m *memRevocations) Revoke(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids == nil {
		m.ids = make(map[string]time.Time)
	}
	m.ids[id] = until
	return nil
}

func (m *memRevocations) Claim(_ context.Context, id string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, spent := m.ids[id]; spent {
		return false, nil
	}
	if m.ids == nil {
		m.ids = make(map[string]time.Time)
	}
	m.ids[id] = until
	return true, nil
}
