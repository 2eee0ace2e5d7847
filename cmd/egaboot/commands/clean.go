package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ega-archive/egaboot/pkg/engine"
)

func newCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean [scope]",
		Short: "Remove generated artifacts",
		Long: `Remove the outputs of the artifacts selected by scope and forget them in the
manifest so the next build regenerates them.

The scope is an artifact identifier, a group (all, secrets, certs, users,
configs) or a directory relative to the output root. Without a scope every
declared artifact is removed; the output root and the manifest stay.`,
		Example: `  # Regenerate the broker password on the next build
  egaboot clean secrets/mq.password

  # Drop every certificate
  egaboot clean certs`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			scope := ""
			if len(args) == 1 {
				scope = args[0]
			}

			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.Close(context.WithoutCancel(ctx)))
			}()

			removed, err := s.orch.Clean(ctx, scope)
			out := cmd.OutOrStdout()
			if jsonOutput {
				if perr := printJSON(out, map[string]any{"removed": removed}); perr != nil {
					return errors.Join(err, perr)
				}
				return err
			}
			for _, p := range removed {
				fmt.Fprintf(out, "removed %s\n", p)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d files removed\n", len(removed))
			return nil
		},
	}

	return cmd
}

func newCleanAllCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean-all",
		Short: "Remove the whole output root",
		Long: `Remove every file under the output root, including the manifest and the run
history, and then the output root itself.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, s.Close(context.WithoutCancel(ctx)))
			}()
			root := s.deployment.OutputRoot

			// the manifest store is closed and deleted under the run lock
			if err := s.orch.Destroy(ctx, s.closeStore); err != nil {
				return err
			}
			// the root is empty now; a run that grabbed it since makes this fail
			if err := os.Remove(root); err != nil && !errors.Is(err, os.ErrNotExist) {
				return engine.NewIOError("remove output root", err).WithPath(root)
			}

			log.Info().Str("root", root).Msg("Output root removed")
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", root)
			return nil
		},
	}

	return cmd
}
