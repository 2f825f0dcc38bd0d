package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/straddle/pkg/engine"
)

// Metrics provides Prometheus metrics for runs, nodes, adapter calls and
// bootstrap sequences. It implements engine.Recorder.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Node metrics
	nodesCompleted *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec

	// Adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	// Retry metrics
	retries *prometheus.CounterVec

	// Bootstrap metrics
	bootstraps        *prometheus.CounterVec
	bootstrapDuration prometheus.Histogram

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}
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

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of apply and destroy runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		nodesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_completed_total",
				Help:      "Total number of nodes that reached a terminal state",
			},
			[]string{"target", "state"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Time from dispatch to terminal state per node in seconds",
				Buckets:   buckets,
			},
			[]string{"target"},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of adapter calls",
			},
			[]string{"target", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"target", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of failed adapter calls by error class",
			},
			[]string{"target", "operation", "class"},
		),

		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retried node phases",
			},
			[]string{"target", "phase", "class"},
		),

		bootstraps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bootstraps_total",
				Help:      "Total number of bootstrap sequences",
			},
			[]string{"status"},
		),
		bootstrapDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bootstrap_duration_seconds",
				Help:      "Duration of bootstrap sequences in seconds",
				Buckets:   buckets,
			},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.nodesCompleted,
		m.nodeDuration,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.retries,
		m.bootstraps,
		m.bootstrapDuration,
	)

	return m
}

// RecordRunCompleted implements engine.Recorder.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordNodeCompleted implements engine.Recorder.
func (m *Metrics) RecordNodeCompleted(target, state string, duration time.Duration) {
	if m.nodesCompleted == nil {
		return
	}
	m.nodesCompleted.WithLabelValues(target, state).Inc()
	m.nodeDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordAdapterCall implements engine.Recorder.
func (m *Metrics) RecordAdapterCall(target, operation string, duration time.Duration, err error) {
	if m.adapterCalls == nil {
		return
	}
	m.adapterCalls.WithLabelValues(target, operation).Inc()
	m.adapterDuration.WithLabelValues(target, operation).Observe(duration.Seconds())
	if err != nil {
		m.adapterErrors.WithLabelValues(target, operation, errorClass(err)).Inc()
	}
}

// RecordRetry implements engine.Recorder.
func (m *Metrics) RecordRetry(target, phase, class string) {
	if m.retries == nil {
		return
	}
	m.retries.WithLabelValues(target, phase, class).Inc()
}

// RecordBootstrap implements engine.Recorder.
func (m *Metrics) RecordBootstrap(status string, duration time.Duration) {
	if m.bootstraps == nil {
		return
	}
	m.bootstraps.WithLabelValues(status).Inc()
	m.bootstrapDuration.Observe(duration.Seconds())
}

func errorClass(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return string(ee.Class)
	}
	return "unclassified"
}

// Registry returns the registry holding every collector, or nil when
// metrics are disabled.
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

// Serve exposes the metrics endpoint on the configured address until ctx
// is done. It returns immediately when no address is configured.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return
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
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
