package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Security decision metrics
var (
	securityDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_decisions_total",
			Help: "Allow/deny decisions made by the security core.",
		},
		[]string{"component", "outcome"},
	)

	rateLimitLockouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_lockouts_total",
			Help: "Transitions into rate limit lockout.",
		},
		[]string{"scope"},
	)

	auditWriteRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_retries_total",
		Help: "Audit append attempts that failed and were retried.",
	})

	auditDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_degraded",
		Help: "1 while audit writes are exhausting their retries.",
	})
)

var initOnce sync.Once

// Init registers every collector in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			securityDecisions, rateLimitLockouts, auditWriteRetries, auditDegraded,
		)
	})
}

// Handler serves the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts one allow/deny outcome for component.
func ObserveDecision(component, outcome string) {
	securityDecisions.WithLabelValues(component, outcome).Inc()
}

// RecordLockout counts a transition into lockout for scope.
func RecordLockout(scope string) {
	rateLimitLockouts.WithLabelValues(scope).Inc()
}

// RecordAuditRetry counts one failed audit attempt that will be retried.
func RecordAuditRetry() {
	auditWriteRetries.Inc()
}

// SetAuditDegraded flips the audit degradation signal.
func SetAuditDegraded(degraded bool) {
	if degraded {
		auditDegraded.Set(1)
		return
	}
	auditDegraded.Set(0)
}

// CanonicalPath collapses identifiers in known routes so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	// /v1/admin/accounts/{id}/{role|lock}
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "accounts" {
		switch parts[4] {
		case "role", "lock":
			parts[3] = ":id"
			return "/" + strings.Join(parts, "/")
		}
	}
	return path
}

// Instrument records request counts, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// statusWriter captures the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
