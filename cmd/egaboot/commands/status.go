package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ega-archive/egaboot/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "status [targets...]",
		Short: "Show which artifacts a build would regenerate",
		Long: `Compare the manifest with the output root and report, in build order,
which artifacts are fresh and why the others are stale. Nothing is written.

The most recent runs recorded in the manifest are listed below.`,
		Example: `  # Everything
  egaboot status

  # Only the configs, with the last ten runs
  egaboot status configs --runs 10`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.Close(context.WithoutCancel(ctx)))
			}()

			states, err := s.orch.Inspect(ctx, args)
			if err != nil {
				return err
			}
			history, err := s.store.ListRuns(ctx, runs)
			if err != nil {
				return engine.NewIOError("list runs", err).WithCode(engine.ErrCodeManifest)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, map[string]any{
					"artifacts": states,
					"runs":      history,
				})
			}
			renderStates(out, states)
			renderRuns(out, history)
			return nil
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 5, "number of recent runs to list")

	return cmd
}

func renderStates(w io.Writer, states []engine.ArtifactState) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Artifact", "Kind", "State", "Built"})
	table.SetBorder(false)
	stale := 0
	for _, st := range states {
		state := "fresh"
		if !st.Fresh {
			state = st.Reason
			stale++
		}
		table.Append([]string{st.ID, string(st.Kind), state, formatTime(st.BuiltAt)})
	}
	table.Render()
	fmt.Fprintf(w, "\n%d of %d artifacts stale\n", stale, len(states))
}

func renderRuns(w io.Writer, runs []*engine.RunRecord) {
	if len(runs) == 0 {
		return
	}
	fmt.Fprintln(w)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Run", "Status", "Built", "Failed", "Started", "Duration"})
	table.SetBorder(false)
	for _, r := range runs {
		table.Append([]string{
			shortID(r.ID),
			string(r.Status),
			strconv.Itoa(r.Built),
			strconv.Itoa(r.Failed),
			formatTime(r.StartedAt),
			r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
		})
	}
	table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
