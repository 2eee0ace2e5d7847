package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ega-archive/egaboot/pkg/bootstrap"
	"github.com/ega-archive/egaboot/pkg/config"
	"github.com/ega-archive/egaboot/pkg/engine"
	"github.com/ega-archive/egaboot/pkg/policy"
	"github.com/ega-archive/egaboot/pkg/stores"
	"github.com/ega-archive/egaboot/pkg/telemetry"
)

// session holds everything a command touching the output root needs.
type session struct {
	tel        *telemetry.Telemetry
	deployment *config.Deployment
	policy     *policy.Result
	plan       *bootstrap.Plan
	store      *stores.SQLiteStore
	orch       *engine.Orchestrator
}

func newTelemetry() (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if logFile != "" {
		cfg.Logging.Output = logFile
		cfg.Logging.Format = "json"
	}

	cfg.Metrics.TextfilePath = metricsFile

	if traceExporter != "" && traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = traceEndpoint
	}

	return telemetry.New(cfg)
}

// loadDeployment reads the deployment file and runs the policy gate. The
// policy result is returned even when it blocks.
func loadDeployment(ctx context.Context, logger zerolog.Logger) (*config.Deployment, *policy.Result, error) {
	d, err := config.NewLoader().Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	eng, err := policy.NewEngine(ctx, logger)
	if err != nil {
		return nil, nil, err
	}
	if len(policyPaths) > 0 {
		if _, err := policy.NewLoader(logger).LoadInto(ctx, eng, policyPaths); err != nil {
			return nil, nil, engine.NewConfigError("load policies", err)
		}
	}

	result, err := eng.Evaluate(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	for _, v := range result.Violations {
		event := logger.Warn()
		switch v.Severity {
		case policy.SeverityError:
			event = logger.Error()
		case policy.SeverityInfo:
			event = logger.Info()
		}
		event.Str("policy", v.Policy).Str("subject", v.Subject).Msg(v.Message)
	}
	return d, result, result.Err()
}

// planDeployment loads, checks and plans without touching the output root.
func planDeployment(ctx context.Context, tel *telemetry.Telemetry) (*bootstrap.Plan, *policy.Result, error) {
	d, result, err := loadDeployment(ctx, tel.Logger)
	if err != nil {
		return nil, result, err
	}
	plan, err := bootstrap.NewPlanner(bootstrap.Options{Logger: tel.Logger}).Plan(d)
	if err != nil {
		return nil, result, err
	}
	return plan, result, nil
}

// openSession loads the deployment, opens the output root and its manifest
// and wires telemetry into the orchestrator.
func openSession(ctx context.Context) (s *session, err error) {
	tel, err := newTelemetry()
	if err != nil {
		return nil, err
	}
	s = &session{tel: tel}
	defer func() {
		if err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
			s = nil
		}
	}()

	if s.deployment, s.policy, err = loadDeployment(ctx, tel.Logger); err != nil {
		return s, err
	}

	ws, err := engine.OpenWorkspace(s.deployment.OutputRoot)
	if err != nil {
		return s, err
	}
	s.store, err = stores.Open(ctx, filepath.Join(s.deployment.OutputRoot, engine.ManifestFile))
	if err != nil {
		return s, engine.NewIOError("open manifest", err).WithCode(engine.ErrCodeManifest)
	}

	s.plan, err = bootstrap.NewPlanner(bootstrap.Options{
		Serials: s.store,
		Logger:  tel.Logger,
	}).Plan(s.deployment)
	if err != nil {
		return s, err
	}

	s.orch = engine.NewOrchestrator(s.plan.Graph, ws, s.store,
		engine.WithLogger(tel.Logger),
		engine.WithObserver(tel.Metrics),
		engine.WithTracer(tel.Tracer.Tracer()),
	)
	return s, nil
}

// closeStore closes the manifest store ahead of Close.
func (s *session) closeStore() error {
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}

// Close releases the manifest and flushes telemetry.
func (s *session) Close(ctx context.Context) error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	if s.tel != nil {
		errs = append(errs, s.tel.Shutdown(ctx))
		s.tel = nil
	}
	return errors.Join(errs...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
