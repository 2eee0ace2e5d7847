package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph [targets...]",
		Short: "Print the artifact graph in Graphviz DOT format",
		Example: `  # Render the whole graph
  egaboot graph | dot -Tsvg > graph.svg

  # Only what the ingest config needs
  egaboot graph confs/ingest`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, tel.Shutdown(context.WithoutCancel(cmd.Context())))
			}()

			plan, _, err := planDeployment(cmd.Context(), tel)
			if err != nil {
				return err
			}
			order, err := plan.Graph.ResolveOrder(args)
			if err != nil {
				return err
			}
			if jsonOutput {
				levels := plan.Graph.Levels(order)
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"order":  order,
					"levels": levels,
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), plan.Graph.ToDOT(order))
			return nil
		},
	}

	return cmd
}
