package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ega-archive/egaboot/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: "invalid trace exporter"},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: "requires an endpoint"},
		{name: "sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestNewLogger_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "egaboot.log")
	logger, closer, err := NewLogger(LoggingConfig{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	logger.Warn().Str("artifact", "secrets/db.lega").Msg("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"artifact":"secrets/db.lega"`)
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "info", Format: "console"})
	logger.Info().Msg("Build complete")
	assert.Contains(t, buf.String(), "Build complete")
	assert.False(t, strings.HasPrefix(buf.String(), "{"))
}

func TestMetrics_Observer(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "egaboot"})
	require.NoError(t, err)

	m.ArtifactFinished(engine.KindSecret, engine.OutcomeBuilt, 10*time.Millisecond)
	m.ArtifactFinished(engine.KindSecret, engine.OutcomeBuilt, 20*time.Millisecond)
	m.ArtifactFinished(engine.KindCert, engine.OutcomeSkipped, 0)
	m.RunFinished(engine.RunStatusPartial, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.artifacts.WithLabelValues("secret", engine.OutcomeBuilt)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.artifacts.WithLabelValues("cert", engine.OutcomeSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(string(engine.RunStatusPartial))))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "egaboot_artifacts_total")
}

func TestMetrics_Textfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "egaboot.prom")
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "egaboot", TextfilePath: path})
	require.NoError(t, err)

	m.RunFinished(engine.RunStatusSucceeded, 2*time.Second)
	require.NoError(t, m.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `egaboot_runs_total{status="succeeded"} 1`)
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false, TextfilePath: filepath.Join(t.TempDir(), "x.prom")})
	require.NoError(t, err)

	m.ArtifactFinished(engine.KindUser, engine.OutcomeFailed, time.Second)
	m.RunFinished(engine.RunStatusFailed, time.Second)
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.Flush())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestTracer_Disabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{}, "egaboot", "test")
	require.NoError(t, err)

	_, span := tr.StartRunSpan(context.Background(), "build", []string{"all"})
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestTracer_Stdout(t *testing.T) {
	var buf bytes.Buffer
	tr, err := newTracer(TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1, ExportTimeout: time.Second},
		"egaboot", "test", &buf)
	require.NoError(t, err)

	_, span := tr.StartRunSpan(context.Background(), "build", []string{"secrets"})
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "egaboot.build")
}

func TestTelemetry_New(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.TextfilePath = filepath.Join(t.TempDir(), "run.prom")

	tel, err := New(cfg)
	require.NoError(t, err)
	tel.Metrics.RunFinished(engine.RunStatusSucceeded, time.Millisecond)
	require.NoError(t, tel.Shutdown(context.Background()))

	_, err = os.Stat(cfg.Metrics.TextfilePath)
	assert.NoError(t, err)

	cfg.Logging.Level = "nope"
	_, err = New(cfg)
	assert.Error(t, err)
}
