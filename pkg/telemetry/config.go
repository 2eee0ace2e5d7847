package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for an egaboot run.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path.
	Output string

	// MaxSizeMB rotates a log file once it reaches this size (lumberjack
	// default 100 when zero). Only the newest MaxBackups rotations are kept.
	MaxSizeMB  int
	MaxBackups int
	Compress   bool

	EnableCaller bool

	// TimeFormat is rfc3339, unix or unixms.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP collector address, e.g. localhost:4317.
	Endpoint string

	SamplingRate  float64
	ExportTimeout time.Duration
	Headers       map[string]string
	Insecure      bool
}

// MetricsConfig configures build metrics.
type MetricsConfig struct {
	Enabled bool

	// Namespace prefixes every metric name.
	Namespace string

	// TextfilePath, when set, receives the metrics in Prometheus text
	// format at the end of a run (node_exporter textfile collector).
	TextfilePath string

	HistogramBuckets []float64
}

// DefaultConfig returns the configuration used by the CLI unless flags
// override it.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "egaboot",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSizeMB:  10,
			MaxBackups: 3,
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 10 * time.Second,
			Headers:       make(map[string]string),
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "egaboot",
			HistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %f", c.Tracing.SamplingRate)
	}

	return nil
}
