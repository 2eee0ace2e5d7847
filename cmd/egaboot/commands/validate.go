package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ega-archive/egaboot/pkg/engine"
	"github.com/ega-archive/egaboot/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the deployment file and its artifact graph",
		Long: `Validate the deployment file against the schema, evaluate the policies and
declare the artifact graph, without writing anything.

Exits with code 2 when the deployment is rejected.`,
		Example: `  # Validate the default deployment file
  egaboot validate

  # Validate with site policies
  egaboot validate --policy policies/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, tel.Shutdown(context.WithoutCancel(cmd.Context())))
			}()

			plan, result, err := planDeployment(cmd.Context(), tel)
			if err != nil && !engine.IsValidation(err) {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				report := validationReport{Valid: err == nil}
				if plan != nil {
					report.Name = plan.Deployment.Name
					report.Artifacts = plan.Graph.Len()
				}
				if result != nil {
					report.Violations = result.Violations
				}
				if err != nil {
					report.Error = err.Error()
				}
				if perr := printJSON(out, report); perr != nil {
					return perr
				}
				return err
			}

			if result != nil {
				for _, v := range result.Violations {
					fmt.Fprintln(out, v.String())
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "deployment %s: %d artifacts, %d warnings\n",
				plan.Deployment.Name, plan.Graph.Len(), len(result.Warnings()))
			return nil
		},
	}

	return cmd
}

type validationReport struct {
	Valid      bool               `json:"valid"`
	Name       string             `json:"name,omitempty"`
	Artifacts  int                `json:"artifacts"`
	Violations []policy.Violation `json:"violations"`
	Error      string             `json:"error,omitempty"`
}
