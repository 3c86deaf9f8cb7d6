package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Target metrics
	TargetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ketrew_targets_total",
			Help: "Total number of targets by detailed state",
		},
		[]string{"state"},
	)

	TargetsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ketrew_targets_created_total",
			Help: "Total number of targets submitted",
		},
	)

	TargetsKilledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ketrew_targets_killed_total",
			Help: "Total number of kill_request commands applied",
		},
	)

	// Engine tick metrics
	EngineTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ketrew_engine_ticks_total",
			Help: "Total number of engine loop ticks completed",
		},
	)

	EngineCASConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ketrew_engine_cas_conflicts_total",
			Help: "Compare-and-set writes lost to a concurrent update; a sustained rate means the engine and an out-of-band writer are fighting",
		},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ketrew_tick_duration_seconds",
			Help:    "Time taken for a full engine tick (discovery+classification+application)",
			Buckets: prometheus.DefBuckets,
		},
	)

	ClassificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ketrew_classification_duration_seconds",
			Help:    "Time taken by the classification phase of a tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Backend operation metrics
	BackendStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ketrew_backend_start_duration_seconds",
			Help:    "Time taken by backend Start calls, by backend name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	BackendUpdateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ketrew_backend_update_duration_seconds",
			Help:    "Time taken by backend Update (poll) calls, by backend name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	BackendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ketrew_backend_errors_total",
			Help: "Total number of backend operation failures by backend and kind (recoverable|fatal)",
		},
		[]string{"backend", "kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ketrew_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ketrew_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Host metrics
	HostSessionsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ketrew_host_sessions_in_use",
			Help: "Current number of concurrent sessions in use per host",
		},
		[]string{"host"},
	)
)

func init() {
	prometheus.MustRegister(TargetsTotal)
	prometheus.MustRegister(TargetsCreatedTotal)
	prometheus.MustRegister(TargetsKilledTotal)
	prometheus.MustRegister(EngineTicksTotal)
	prometheus.MustRegister(EngineCASConflictsTotal)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(ClassificationDuration)
	prometheus.MustRegister(BackendStartDuration)
	prometheus.MustRegister(BackendUpdateDuration)
	prometheus.MustRegister(BackendErrorsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(HostSessionsInUse)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
