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

// HTTP metrics.
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Domain metrics.
var (
	transferTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_transitions_total",
			Help: "Transfer approval transitions by stage and decision.",
		},
		[]string{"stage", "decision"},
	)

	authzDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_denials_total",
			Help: "Authorization gate denials by operation and requirement kind.",
		},
		[]string{"operation", "kind"},
	)

	sweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transfer_sweep_runs_total",
		Help: "Completed expiration sweep passes.",
	})

	sweepRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_sweep_records_total",
			Help: "Records visited by the expiration sweep by outcome.",
		},
		[]string{"outcome"},
	)

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "transfer_sweep_duration_seconds",
		Help:    "Duration of expiration sweep passes.",
		Buckets: prometheus.DefBuckets,
	})
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			transferTransitions, authzDenials,
			sweepRuns, sweepRecords, sweepDuration,
		)
	})
}

// Handler exposes the prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveTransition counts one committed approval transition.
func ObserveTransition(stage string, approved bool) {
	transferTransitions.WithLabelValues(stage, decisionLabel(approved)).Inc()
}

// ObserveDenial counts one authorization gate denial.
func ObserveDenial(operation, kind string) {
	authzDenials.WithLabelValues(operation, kind).Inc()
}

// ObserveSweep records one finished sweep pass and its per-record outcomes.
func ObserveSweep(d time.Duration, outcomes map[string]int) {
	sweepRuns.Inc()
	sweepDuration.Observe(d.Seconds())
	for outcome, n := range outcomes {
		sweepRecords.WithLabelValues(outcome).Add(float64(n))
	}
}

func decisionLabel(approved bool) string {
	if approved {
		return "approved"
	}
	return "rejected"
}

// Instrument measures throughput, latency and in-flight requests.
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

// CanonicalPath collapses transfer ids so label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	const prefix = "/v1/transfers/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return prefix + ":id"
	case len(parts) == 2 && knownTransferAction(parts[1]):
		return prefix + ":id/" + parts[1]
	default:
		return path
	}
}

func knownTransferAction(action string) bool {
	switch action {
	case "log", "out-approval", "in-approval":
		return true
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
