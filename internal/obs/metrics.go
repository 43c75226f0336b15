package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	authOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_outcomes_total",
			Help: "Authentication resolver outcomes by state and reason.",
		},
		[]string{"transport", "state", "reason"},
	)

	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Signed tokens issued by type.",
		},
		[]string{"type"},
	)

	initOnce sync.Once
)

// Регистрация метрик в default-регистре. Повторный вызов безопасен.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, authOutcomes, tokensIssued)
	})
}

// AuditFeed is the live audit stream as seen by the metrics layer.
type AuditFeed interface {
	Subscribers() int
	Dropped() uint64
}

// AuditFeedCollectors reports live subscribers and deliveries dropped for
// slow subscribers.
func AuditFeedCollectors(feed AuditFeed) []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "audit_stream_subscribers",
			Help: "Live audit stream subscribers.",
		}, func() float64 { return float64(feed.Subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "audit_stream_dropped_total",
			Help: "Audit events not delivered because a subscriber queue was full.",
		}, func() float64 { return float64(feed.Dropped()) }),
	}
}

// RegisterAuditFeed adds the feed collectors to reg.
func RegisterAuditFeed(reg prometheus.Registerer, feed AuditFeed) error {
	for _, c := range AuditFeedCollectors(feed) {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAuthOutcome counts one resolver decision.
func RecordAuthOutcome(transport, state, reason string) {
	authOutcomes.WithLabelValues(transport, state, reason).Inc()
}

// RecordTokenIssued counts one issued token of the given type.
func RecordTokenIssued(kind string) {
	tokensIssued.WithLabelValues(kind).Inc()
}

// Обёртка для измерения RPS/latency/в полёте. Метка path берётся из шаблона chi,
// чтобы идентификаторы не раздували кардинальность.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)
		path := RoutePattern(r)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// RoutePattern returns the matched chi route pattern, or "unmatched".
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return "unmatched"
}

// statusWriter запоминает код ответа для метрик.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
