package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRoutePatternUsesChiTemplate(t *testing.T) {
	Init()
	var seen string
	r := chi.NewRouter()
	r.Use(Instrument)
	r.Get("/api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/echo/{id}", func(w http.ResponseWriter, req *http.Request) {
		seen = RoutePattern(req)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/users/{id}", "204"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/users/01HZX", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/users/{id}", "204"))
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/echo/abc", nil))
	if seen != "/echo/{id}" {
		t.Fatalf("RoutePattern=%q, want /echo/{id}", seen)
	}
}

func TestRoutePatternWithoutRouter(t *testing.T) {
	if got := RoutePattern(httptest.NewRequest(http.MethodGet, "/x", nil)); got != "unmatched" {
		t.Fatalf("RoutePattern=%q, want unmatched", got)
	}
}

func TestRecordAuthOutcome(t *testing.T) {
	Init()
	c := authOutcomes.WithLabelValues("http", "denied", "expired")
	before := testutil.ToFloat64(c)
	RecordAuthOutcome("http", "denied", "expired")
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Fatalf("expected 1 increment, got %v", got)
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("debug", "json", &buf)
	log.Debug("hello", Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["msg"] != "hello" || rec["error"] != "boom" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

type fakeFeed struct {
	subscribers int
	dropped     uint64
}

func (f *fakeFeed) Subscribers() int { return f.subscribers }
func (f *fakeFeed) Dropped() uint64  { return f.dropped }

func TestAuditFeedMetrics(t *testing.T) {
	feed := &fakeFeed{subscribers: 2}
	reg := prometheus.NewRegistry()
	if err := RegisterAuditFeed(reg, feed); err != nil {
		t.Fatalf("register: %v", err)
	}
	n, err := testutil.GatherAndCount(reg, "audit_stream_subscribers", "audit_stream_dropped_total")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 series, got %d (%v)", n, err)
	}

	feed.dropped = 3
	collectors := AuditFeedCollectors(feed)
	if got := testutil.ToFloat64(collectors[0]); got != 2 {
		t.Fatalf("subscribers=%v, want 2", got)
	}
	if got := testutil.ToFloat64(collectors[1]); got != 3 {
		t.Fatalf("dropped=%v, want 3", got)
	}

	if err := RegisterAuditFeed(reg, feed); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
