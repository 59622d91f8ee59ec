package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States are the lifecycle states exported on the state gauge.
var States = []string{"stopped", "starting", "running", "stopping"}

// PrometheusCollector implements Collector using Prometheus metrics
type PrometheusCollector struct {
	state            *prometheus.GaugeVec
	stateTransitions *prometheus.CounterVec

	restarts          *prometheus.CounterVec
	restartDelay      prometheus.Histogram
	restartsExhausted prometheus.Counter

	healthWait *prometheus.HistogramVec

	suppressed *prometheus.CounterVec

	syncFiles    *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec

	reconciled *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector with its own registry.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "runtimed"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.state = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runtime_state",
			Help:      "1 for the current lifecycle state of the managed runtime, 0 otherwise",
		},
		[]string{"state"},
	)

	pc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_state_transitions_total",
			Help:      "Total number of runtime lifecycle transitions",
		},
		[]string{"from_state", "to_state"},
	)

	pc.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_restarts_total",
			Help:      "Total number of automatic restarts scheduled",
		},
		[]string{"attempt"},
	)

	pc.restartDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "runtime_restart_delay_seconds",
			Help:      "Backoff delay before automatic restarts",
			Buckets:   []float64{1, 2, 4, 8, 16},
		},
	)

	pc.restartsExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_restarts_exhausted_total",
			Help:      "Number of times the restart ceiling was reached",
		},
	)

	pc.healthWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "runtime_health_wait_seconds",
			Help:      "Time spent waiting for the runtime to become ready",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	pc.suppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_log_lines_suppressed_total",
			Help:      "Child output lines dropped by the rate limiter",
		},
		[]string{"stream"},
	)

	pc.syncFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_files_total",
			Help:      "Distribution files processed by the synchronizer",
		},
		[]string{"file", "outcome"},
	)

	pc.syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of artifact sync runs",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	pc.reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_reconcile_total",
			Help:      "Outcomes of stale-instance reconciliation",
		},
		[]string{"outcome"},
	)

	pc.registry.MustRegister(
		pc.state,
		pc.stateTransitions,
		pc.restarts,
		pc.restartDelay,
		pc.restartsExhausted,
		pc.healthWait,
		pc.suppressed,
		pc.syncFiles,
		pc.syncDuration,
		pc.reconciled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, s := range States {
		pc.state.WithLabelValues(s).Set(0)
	}
	pc.state.WithLabelValues("stopped").Set(1)

	return pc
}

// StateTransition records a transition and moves the state gauge.
func (pc *PrometheusCollector) StateTransition(from, to string) {
	pc.stateTransitions.WithLabelValues(from, to).Inc()
	pc.state.WithLabelValues(from).Set(0)
	pc.state.WithLabelValues(to).Set(1)
}

// RestartScheduled records an automatic restart.
func (pc *PrometheusCollector) RestartScheduled(attempt int, delay time.Duration) {
	pc.restarts.WithLabelValues(strconv.Itoa(attempt)).Inc()
	pc.restartDelay.Observe(delay.Seconds())
}

// RestartsExhausted records that auto-restart was disabled.
func (pc *PrometheusCollector) RestartsExhausted() {
	pc.restartsExhausted.Inc()
}

// HealthWait records the readiness wait of one start.
func (pc *PrometheusCollector) HealthWait(d time.Duration, ready bool) {
	status := "ready"
	if !ready {
		status = "failed"
	}
	pc.healthWait.WithLabelValues(status).Observe(d.Seconds())
}

// LinesSuppressed adds n suppressed lines for stream.
func (pc *PrometheusCollector) LinesSuppressed(stream string, n int) {
	if n <= 0 {
		return
	}
	pc.suppressed.WithLabelValues(stream).Add(float64(n))
}

// SyncFile records one file outcome.
func (pc *PrometheusCollector) SyncFile(file, outcome string) {
	pc.syncFiles.WithLabelValues(file, outcome).Inc()
}

// SyncDuration records a sync run.
func (pc *PrometheusCollector) SyncDuration(d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pc.syncDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Reconciled records a reconciliation outcome.
func (pc *PrometheusCollector) Reconciled(outcome string) {
	pc.reconciled.WithLabelValues(outcome).Inc()
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{})
}

// Compile-time interface compliance check
var _ Collector = (*PrometheusCollector)(nil)
