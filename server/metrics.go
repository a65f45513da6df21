package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors registered against the registry
// cmd/extauthd exposes on its telemetry listener's /metrics route, following
// the teacher's cmd/dex/serve.go pattern of building one prometheus.Registry
// per process and registering every collector against it up front.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	authAttempts    *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extauth",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "extauth",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "extauth",
			Name:      "authentication_attempts_total",
			Help:      "Authentication attempts, by factor kind and outcome.",
		}, []string{"factor_kind", "outcome"}),
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration, m.authAttempts)
	return m
}

// recordAttempt lets component packages (which have no HTTP concept of
// their own) surface an authentication outcome for the authAttempts
// counter; the server package calls this from its handlers after a
// local/magiclink/webauthn call returns.
func (m *Metrics) recordAttempt(factorKind string, successful bool) {
	outcome := "failure"
	if successful {
		outcome = "success"
	}
	m.authAttempts.WithLabelValues(factorKind, outcome).Inc()
}

// instrument wraps h so every request increments requestsTotal and observes
// requestDuration, labeled by routeTemplate. Server.Handler applies it
// outside the mux router, so the request seen here carries no matched route
// and the label is the request's URL path; for the fixed-path routes the
// Server registers, that is the same string as the route template.
func (m *Metrics) instrument(h http.Handler) http.Handler {
	if m == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)

		route := routeTemplate(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
