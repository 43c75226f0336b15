package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"neurobank.org/internal/auth"
	"neurobank.org/internal/cache"
	"neurobank.org/internal/config"
	"neurobank.org/internal/rbac"
	"neurobank.org/internal/store/memory"
)

const (
	testAPIKey   = "service-key-123"
	testPassword = "S3curePass"
)

type apiClient struct {
	baseURL   string
	client    *http.Client
	directory *rbac.Directory
	t         *testing.T
}

func newTestAPI(t *testing.T, cfg Config, opts ...Option) *apiClient {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	require.NoError(t, rbac.Bootstrap(ctx, store))

	hasher, err := auth.NewHasher(nil)
	require.NoError(t, err)
	dir, err := rbac.NewDirectory(store, hasher)
	require.NoError(t, err)
	codec, err := auth.NewCodec([]byte("http-test-secret-0123456789abcdef"))
	require.NoError(t, err)
	resolver, err := auth.NewResolver(codec, store, auth.WithAPIKey(testAPIKey))
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb, err := cache.Connect(ctx, config.Redis{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	sessions, err := auth.NewService(dir, store, codec, auth.WithRevocations(cache.NewRevocations(rdb)))
	require.NoError(t, err)

	if cfg.LoginRate == 0 {
		cfg.LoginRate = 1000
		cfg.LoginBurst = 1000
	}
	api, err := New(dir, sessions, resolver, cfg, opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:   srv.URL,
		client:    srv.Client(),
		directory: dir,
		t:         t,
	}
}

// seedUser creates a user directly through the directory.
func (c *apiClient) seedUser(username string, roles ...string) rbac.User {
	c.t.Helper()
	u, err := c.directory.CreateUser(context.Background(), rbac.NewUser{
		Username: username,
		Email:    username + "@example.com",
		Password: testPassword,
		Roles:    roles,
	})
	require.NoError(c.t, err)
	return u
}

// login returns an access token for username.
func (c *apiClient) login(username string) (access, refresh string) {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/api/auth/login", map[string]string{
		"username": username,
		"password": testPassword,
	}, nil)
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decodeBody(c.t, resp, &body)
	return body["access_token"].(string), body["refresh_token"].(string)
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	c.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
