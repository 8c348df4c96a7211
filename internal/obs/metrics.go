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

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_transitions_total",
			Help: "Lifecycle transitions by name and outcome.",
		},
		[]string{"transition", "outcome"},
	)

	schemaAdaptations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_schema_adaptations_total",
			Help: "Schema adapter DDL attempts by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	overrideRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docflow_override_runs_total",
			Help: "Override tagger runs by outcome.",
		},
		[]string{"outcome"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docflow_ready",
		Help: "1 when the service reported ready on its last probe.",
	})

	initOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			transitionsTotal, schemaAdaptations, overrideRuns, ready,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// ObserveTransition counts one lifecycle transition attempt. outcome is "ok"
// or the error kind.
func ObserveTransition(name, outcome string) {
	if outcome == "" {
		outcome = "ok"
	}
	transitionsTotal.WithLabelValues(name, outcome).Inc()
}

// ObserveSchemaAdaptation counts one DDL attempt by the schema adapter.
func ObserveSchemaAdaptation(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	schemaAdaptations.WithLabelValues(kind, outcome).Inc()
}

// ObserveOverride counts one override tagger run.
func ObserveOverride(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	overrideRuns.WithLabelValues(outcome).Inc()
}

// SetReady publishes the last readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

var idSegments = map[string]map[string]bool{
	"submissions": {"": true, "approve": true, "revise": true, "resubmit": true, "forward": true, "record": true, "approval": true},
	"approvals":   {"record": true},
	"records":     {"release": true, "releases": true},
	"releases":    {"": true, "done": true, "respond": true, "responses": true},
	"users":       {"": true, "status": true, "role": true, "password": true, "impersonate": true},
}

// CanonicalPath collapses identifiers in known routes so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != "v1" {
		return p
	}
	actions, ok := idSegments[parts[1]]
	if !ok || parts[2] == "" {
		return p
	}
	action := ""
	if len(parts) == 4 {
		action = parts[3]
	}
	if !actions[action] {
		return p
	}
	out := "/v1/" + parts[1] + "/:id"
	if action != "" {
		out += "/" + action
	}
	return out
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
