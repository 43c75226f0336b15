package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginRateLimit(t *testing.T) {
	c := newTestAPI(t, Config{LoginRate: 0.001, LoginBurst: 1})

	body := map[string]string{"username": "nobody", "password": "whatever"}
	resp := c.do(http.MethodPost, "/api/auth/login", body, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = c.do(http.MethodPost, "/api/auth/login", body, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	var payload map[string]any
	decodeBody(t, resp, &payload)
	assert.Equal(t, "rate limit exceeded", payload["error"])
	assert.NotEmpty(t, payload["request_id"])

	// Other routes are not throttled.
	resp = c.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLimiterPerKey(t *testing.T) {
	l := newLimiter(0.001, 2, 16, time.Minute)

	ok, _ := l.allow("10.0.0.1")
	require.True(t, ok)
	ok, _ = l.allow("10.0.0.1")
	require.True(t, ok)
	ok, retry := l.allow("10.0.0.1")
	require.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))

	ok, _ = l.allow("10.0.0.2")
	assert.True(t, ok)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "192.0.2.10", clientIP(r))
}

func TestLoginLimitIgnoresForwardedFor(t *testing.T) {
	c := newTestAPI(t, Config{LoginRate: 0.001, LoginBurst: 1})
	body := map[string]string{"username": "nobody", "password": "whatever"}

	resp := c.do(http.MethodPost, "/api/auth/login", body, map[string]string{"X-Forwarded-For": "198.51.100.1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	throttled := 0
	for i := 2; i <= 10; i++ {
		xff := fmt.Sprintf("198.51.100.%d", i)
		resp = c.do(http.MethodPost, "/api/auth/login", body, map[string]string{"X-Forwarded-For": xff})
		if resp.StatusCode == http.StatusTooManyRequests {
			throttled++
		}
	}
	assert.Equal(t, 9, throttled)
}

func TestLoginLimitBehindTrustedProxy(t *testing.T) {
	c := newTestAPI(t, Config{LoginRate: 0.001, LoginBurst: 1, TrustProxy: true})
	body := map[string]string{"username": "nobody", "password": "whatever"}
	first := map[string]string{"X-Forwarded-For": "198.51.100.1"}

	resp := c.do(http.MethodPost, "/api/auth/login", body, first)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = c.do(http.MethodPost, "/api/auth/login", body, first)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = c.do(http.MethodPost, "/api/auth/login", body, map[string]string{"X-Forwarded-For": "198.51.100.2"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequestLogging(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	c := newTestAPI(t, Config{}, WithLogger(log))

	resp := c.do(http.MethodGet, "/healthz", nil, map[string]string{"X-Request-Id": "req-42"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entry map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var e map[string]any
		require.NoError(t, json.Unmarshal(line, &e))
		if e["msg"] == "http request" {
			entry = e
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, "req-42", entry["request_id"])
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/healthz", entry["route"])
	assert.EqualValues(t, 200, entry["status"])
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
}
