package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/gaia/pkg/engine"
)

// Metrics provides Prometheus metrics for the orchestrator.
// A Metrics built from a disabled config is a no-op.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runUnits      *prometheus.CounterVec

	// Unit metrics
	unitAttempts *prometheus.CounterVec
	unitResults  *prometheus.CounterVec
	unitDuration *prometheus.HistogramVec

	// Resolver metrics
	cacheLookups     *prometheus.CounterVec
	describeCalls    *prometheus.CounterVec
	describeDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed, by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		runUnits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_units_total",
				Help:      "Units accounted in finished runs, by final status",
			},
			[]string{"status"},
		),

		unitAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_attempts_total",
				Help:      "Total number of action attempts, by result",
			},
			[]string{"unit", "result"},
		),
		unitResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_results_total",
				Help:      "Total number of units reaching a terminal status",
			},
			[]string{"unit", "status"},
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Duration of unit execution including retries",
				Buckets:   buckets,
			},
			[]string{"unit"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_cache_lookups_total",
				Help:      "Dependency graph cache lookups, by result",
			},
			[]string{"result"},
		),
		describeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "describe_calls_total",
				Help:      "Describe calls made while resolving dependencies",
			},
			[]string{"scope", "result"},
		),
		describeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "describe_duration_seconds",
				Help:      "Duration of describe calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scope"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.runUnits,
		m.unitAttempts,
		m.unitResults,
		m.unitDuration,
		m.cacheLookups,
		m.describeCalls,
		m.describeDuration,
	)

	return m, nil
}

// RecordCacheLookup records a graph cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordDescribe records a describe call.
func (m *Metrics) RecordDescribe(scope string, failed bool, duration time.Duration) {
	if m.describeCalls == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	m.describeCalls.WithLabelValues(scope, result).Inc()
	m.describeDuration.WithLabelValues(scope).Observe(duration.Seconds())
}

// RecordUnitAttempt records one action attempt.
func (m *Metrics) RecordUnitAttempt(unitID, outcome string, _ time.Duration) {
	if m.unitAttempts == nil {
		return
	}
	m.unitAttempts.WithLabelValues(unitID, outcome).Inc()
}

// RecordUnitResult records a unit reaching a terminal status.
func (m *Metrics) RecordUnitResult(unitID string, status engine.UnitStatus, duration time.Duration) {
	if m.unitResults == nil {
		return
	}
	m.unitResults.WithLabelValues(unitID, string(status)).Inc()
	if status != engine.UnitStatusSkipped {
		m.unitDuration.WithLabelValues(unitID).Observe(duration.Seconds())
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(outcome engine.RunOutcome, duration time.Duration, completed, failed, skipped int) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(string(outcome)).Inc()
	m.runDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
	m.runUnits.WithLabelValues(string(engine.UnitStatusCompleted)).Add(float64(completed))
	m.runUnits.WithLabelValues(string(engine.UnitStatusFailed)).Add(float64(failed))
	m.runUnits.WithLabelValues(string(engine.UnitStatusSkipped)).Add(float64(skipped))
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// StartMetricsServer starts an HTTP server exposing metrics until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
