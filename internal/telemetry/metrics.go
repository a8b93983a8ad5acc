package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "babysitter",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "babysitter",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "babysitter",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Membership ----
	MembershipCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "babysitter",
			Name:      "membership_cycles_total",
			Help:      "Diff-and-dispatch cycles run by the tracker, by result.",
		},
		[]string{"result"},
	)

	MembershipChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "babysitter",
			Name:      "membership_changes_total",
			Help:      "Members observed added, removed or updated.",
		},
		[]string{"kind"},
	)

	WatchRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "babysitter",
			Name:      "watch_restarts_total",
			Help:      "Times the children watch loop was restarted after a failed re-arm.",
		},
	)

	KnownServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "babysitter",
			Name:      "known_servers",
			Help:      "Servers currently believed monitored by this instance.",
		},
	)

	// ---- Alert ownership ----
	SilenceAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "babysitter",
			Name:      "silence_attempts_total",
			Help:      "Silence attempts by outcome (won, lost, retry, failed, error).",
		},
		[]string{"outcome"},
	)

	Unsilence = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "babysitter",
			Name:      "unsilence_total",
			Help:      "Silence marker removals by outcome.",
		},
		[]string{"outcome"},
	)

	PendingSilences = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "babysitter",
			Name:      "pending_silences",
			Help:      "Evicted servers waiting out the jitter delay before silencing.",
		},
	)

	Pages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "babysitter",
			Name:      "pages_total",
			Help:      "Pages dispatched, by pager and result.",
		},
		[]string{"pager", "result"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "babysitter",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "babysitter",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		MembershipCycles, MembershipChanges, WatchRestarts, KnownServers,
		SilenceAttempts, Unsilence, PendingSilences, Pages,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with r.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	r.Get("/servers", telemetry.Instrument("list", http.HandlerFunc(h.list)).ServeHTTP)
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
