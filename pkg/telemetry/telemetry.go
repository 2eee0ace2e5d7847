package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Telemetry bundles the logger, metrics and tracer of one CLI invocation.
type Telemetry struct {
	Logger  zerolog.Logger
	Metrics *Metrics
	Tracer  *Tracer

	logCloser io.Closer
}

// New initializes every telemetry component from cfg.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, closer, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	return &Telemetry{
		Logger:    logger.With().Str("service", cfg.ServiceName).Logger(),
		Metrics:   metrics,
		Tracer:    tracer,
		logCloser: closer,
	}, nil
}

// Shutdown flushes metrics and spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Metrics.Flush(),
		t.Tracer.Shutdown(ctx),
		t.logCloser.Close(),
	)
}
