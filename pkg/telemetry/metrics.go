package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// Metrics provides Prometheus metrics for draft synchronization.
// It implements engine.SyncObserver.
type Metrics struct {
	config MetricsConfig

	// Patch metrics
	patches        *prometheus.CounterVec
	patchDuration  *prometheus.HistogramVec
	patchesSkipped *prometheus.CounterVec

	// Commit metrics
	commits        *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec

	// Resource metrics
	resourceOps *prometheus.CounterVec

	// Validation metrics
	validations        *prometheus.CounterVec
	validationFailures *prometheus.CounterVec

	// Policy metrics
	policyViolations *prometheus.CounterVec

	// System metrics
	activeSessions prometheus.Gauge
	catalogReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.SyncObserver = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		patches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patches_total",
				Help:      "Total number of partial updates by field and outcome",
			},
			[]string{"field", "outcome"},
		),
		patchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "patch_duration_seconds",
				Help:      "Latency of partial updates in seconds",
				Buckets:   buckets,
			},
			[]string{"field"},
		),
		patchesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "patches_skipped_total",
				Help:      "Total number of due partial updates that were not sent",
			},
			[]string{"field"},
		),

		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_total",
				Help:      "Total number of full commits by target status and outcome",
			},
			[]string{"status", "outcome"},
		),
		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Latency of full commits in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		resourceOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_operations_total",
				Help:      "Total number of role assignment operations",
			},
			[]string{"role", "operation", "outcome"},
		),

		validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validations_total",
				Help:      "Total number of readiness checks",
			},
			[]string{"check"},
		),
		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Total number of readiness checks that were not ready",
			},
			[]string{"check"},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of commit policy violations",
			},
			[]string{"policy", "severity"},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Current number of open editing sessions",
			},
		),
		catalogReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_reloads_total",
				Help:      "Total number of reference catalog reloads",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.patches,
		m.patchDuration,
		m.patchesSkipped,
		m.commits,
		m.commitDuration,
		m.resourceOps,
		m.validations,
		m.validationFailures,
		m.policyViolations,
		m.activeSessions,
		m.catalogReloads,
	)

	return m, nil
}

// Sync observer

// ObservePatch records the outcome of a partial update.
func (m *Metrics) ObservePatch(key string, outcome engine.Outcome, duration time.Duration) {
	if m.patches == nil {
		return
	}
	if outcome == engine.OutcomeSkipped {
		m.patchesSkipped.WithLabelValues(key).Inc()
		return
	}
	m.patches.WithLabelValues(key, string(outcome)).Inc()
	m.patchDuration.WithLabelValues(key).Observe(duration.Seconds())
}

// ObserveCommit records the outcome of a full commit.
func (m *Metrics) ObserveCommit(status engine.Status, outcome engine.Outcome, duration time.Duration) {
	if m.commits == nil {
		return
	}
	m.commits.WithLabelValues(string(status), string(outcome)).Inc()
	if outcome != engine.OutcomeSkipped {
		m.commitDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	}
}

// ObserveResource records a role assignment create or delete.
func (m *Metrics) ObserveResource(role, op string, outcome engine.Outcome) {
	if m.resourceOps == nil {
		return
	}
	m.resourceOps.WithLabelValues(role, op, string(outcome)).Inc()
}

// ObserveValidation records a save or launch readiness check.
func (m *Metrics) ObserveValidation(check string, ready bool) {
	if m.validations == nil {
		return
	}
	m.validations.WithLabelValues(check).Inc()
	if !ready {
		m.validationFailures.WithLabelValues(check).Inc()
	}
}

// RecordPolicyViolation records a commit policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// System Metrics

// SetActiveSessions sets the current number of open sessions.
func (m *Metrics) SetActiveSessions(count int) {
	if m.activeSessions == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordCatalogReload records a reference catalog reload.
func (m *Metrics) RecordCatalogReload(err error) {
	if m.catalogReloads == nil {
		return
	}
	outcome := engine.OutcomeSuccess
	if err != nil {
		outcome = engine.OutcomeFailure
	}
	m.catalogReloads.WithLabelValues(string(outcome)).Inc()
}

// Registry returns the registry the metrics are registered with, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.config.Enabled {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return server, nil
}
