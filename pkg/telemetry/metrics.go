package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ega-archive/egaboot/pkg/engine"
)

// Metrics records build outcomes in Prometheus collectors. It implements
// engine.Observer. A disabled Metrics accepts every call and records
// nothing.
type Metrics struct {
	config MetricsConfig

	artifacts        *prometheus.CounterVec
	artifactDuration *prometheus.HistogramVec
	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	lastRun          prometheus.Gauge

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		artifacts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_total",
				Help:      "Artifacts visited by a build, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		artifactDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_build_duration_seconds",
				Help:      "Time spent generating an artifact",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Completed build runs by status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a build run",
				Buckets:   buckets,
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time at which the last run finished",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.artifacts, m.artifactDuration, m.runs, m.runDuration, m.lastRun,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// ArtifactFinished implements engine.Observer.
func (m *Metrics) ArtifactFinished(kind engine.Kind, outcome string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.artifacts.WithLabelValues(string(kind), outcome).Inc()
	if outcome == engine.OutcomeBuilt || outcome == engine.OutcomeFailed {
		m.artifactDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
	}
}

// RunFinished implements engine.Observer.
func (m *Metrics) RunFinished(status engine.RunStatus, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(d.Seconds())
	m.lastRun.SetToCurrentTime()
}

// Registry returns the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Flush writes the collected metrics to the configured textfile, if any.
func (m *Metrics) Flush() error {
	if m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(m.config.TextfilePath, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
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
