package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics
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

// Domain metrics
var (
	PatternDecodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_pattern_decodes_total",
			Help: "Optical pattern decode attempts by outcome.",
		},
		[]string{"outcome"}, // ok, no_pattern, checksum_mismatch, no_prefix
	)

	PresenceChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_checks_total",
			Help: "Nightly presence checks by outcome.",
		},
		[]string{"outcome"},
	)

	MovementChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movement_checks_total",
			Help: "Movement classifier runs by class.",
		},
		[]string{"class"},
	)

	DevicesActivated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "devices_activated_total",
		Help: "Devices transitioned from verifying to active.",
	})

	VouchesRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vouches_recorded_total",
		Help: "Vouch edges recorded.",
	})

	ThreatReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threat_reports_total",
			Help: "Threat reports received by severity.",
		},
		[]string{"severity"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		PatternDecodes, PresenceChecks, MovementChecks,
		DevicesActivated, VouchesRecorded, ThreatReports,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
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

// CanonicalPath collapses resource identifiers so metric cardinality stays
// bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	if len(parts) >= 4 && parts[1] == "v1" && parts[3] != "" {
		switch parts[2] {
		case "zones":
			if len(parts) == 4 {
				return "/v1/zones/:id"
			}
			if len(parts) == 5 && parts[4] == "seed" {
				return "/v1/zones/:id/seed"
			}
		case "subsidy":
			if len(parts) == 4 {
				return "/v1/subsidy/:token"
			}
		}
	}
	return path
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
