package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ega-archive/egaboot/pkg/engine"
	"github.com/ega-archive/egaboot/pkg/telemetry"
)

func newBuildCommand() *cobra.Command {
	var (
		parallelism int
		failFast    bool
	)

	cmd := &cobra.Command{
		Use:   "build [targets...]",
		Short: "Generate missing or stale artifacts",
		Long: `Build the requested artifacts and everything they depend on. Targets are
artifact identifiers (secrets/db.lega, certs/ingest) or groups (all, secrets,
certs, users, configs). With no target every artifact is built.

Artifacts whose outputs and inputs are unchanged since the last build are
left alone. When one artifact fails, everything that depends on it is
skipped and the rest of the graph is still built unless --fail-fast is set.`,
		Example: `  # Build everything
  egaboot build

  # Only the certificates, one at a time
  egaboot build certs --parallelism 1

  # Stop scheduling work on the first failure
  egaboot build --fail-fast`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.Close(context.WithoutCancel(ctx)))
			}()

			opts := engine.BuildOptions{
				Parallelism: s.deployment.Parallelism,
				FailFast:    s.deployment.FailFast,
			}
			if cmd.Flags().Changed("parallelism") {
				opts.Parallelism = parallelism
			}
			if cmd.Flags().Changed("fail-fast") {
				opts.FailFast = failFast
			}

			log.Info().
				Str("deployment", s.deployment.Name).
				Str("root", s.deployment.OutputRoot).
				Strs("targets", args).
				Msg("Starting build")

			ctx, span := s.tel.Tracer.StartRunSpan(ctx, "build", args)
			res, buildErr := s.orch.Build(ctx, args, opts)
			telemetry.RecordError(span, buildErr)
			span.End()

			if res == nil {
				return buildErr
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, buildReport(res)); err != nil {
					return errors.Join(buildErr, err)
				}
				return buildErr
			}
			renderResult(out, res)
			return buildErr
		},
	}

	cmd.Flags().IntVarP(&parallelism, "parallelism", "j", 0, fmt.Sprintf(
		"maximum concurrent generators (0 = artifacts ready at start, at most %d; default from the deployment file)",
		engine.DefaultMaxParallelism))
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop scheduling new artifacts after the first failure")

	return cmd
}

type targetReport struct {
	ID       string        `json:"id"`
	Kind     engine.Kind   `json:"kind"`
	Status   engine.Status `json:"status"`
	Built    bool          `json:"built"`
	Skipped  bool          `json:"skipped"`
	Duration string        `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type runReport struct {
	RunID   string           `json:"run_id"`
	Status  engine.RunStatus `json:"status"`
	Built   int              `json:"built"`
	Failed  int              `json:"failed"`
	Targets []targetReport   `json:"targets"`
}

func buildReport(res *engine.Result) runReport {
	report := runReport{
		RunID:   res.RunID,
		Status:  res.Status,
		Built:   len(res.Built()),
		Failed:  len(res.Failed()),
		Targets: make([]targetReport, 0, len(res.Order)),
	}
	for _, id := range res.Order {
		t, ok := res.Targets[id]
		if !ok {
			continue
		}
		tr := targetReport{
			ID:       t.ID,
			Kind:     t.Kind,
			Status:   t.Status,
			Built:    t.Built,
			Skipped:  t.Skipped,
			Duration: t.Duration.String(),
		}
		if t.Err != nil {
			tr.Error = t.Err.Error()
		}
		report.Targets = append(report.Targets, tr)
	}
	return report
}

func renderResult(w io.Writer, res *engine.Result) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Artifact", "Kind", "Result", "Error"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, id := range res.Order {
		t, ok := res.Targets[id]
		if !ok {
			continue
		}
		msg := ""
		if t.Err != nil {
			msg = t.Err.Error()
		}
		table.Append([]string{t.ID, string(t.Kind), outcome(t), msg})
	}
	table.Render()

	fmt.Fprintf(w, "\nrun %s %s: %d built, %d up to date, %d failed\n",
		shortID(res.RunID), res.Status, len(res.Built()), upToDate(res), len(res.Failed()))
}

func outcome(t *engine.TargetResult) string {
	switch {
	case t.Skipped:
		return "skipped"
	case t.Status == engine.StatusFailed:
		return "failed"
	case t.Built:
		return "built"
	case t.UpToDate:
		return "up to date"
	default:
		return string(t.Status)
	}
}

func upToDate(res *engine.Result) int {
	n := 0
	for _, t := range res.Targets {
		if t.UpToDate {
			n++
		}
	}
	return n
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
