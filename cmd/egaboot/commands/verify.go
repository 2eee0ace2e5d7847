package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ega-archive/egaboot/pkg/config"
	"github.com/ega-archive/egaboot/pkg/engine"
	"github.com/ega-archive/egaboot/pkg/pki"
)

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check built artifacts on disk",
		Long: `Check that every artifact recorded in the manifest still has its files with
the declared permissions, and that every component certificate chains to
the root CA it shipped with.`,
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

			problems, err := s.orch.VerifyOutputs(ctx)
			if err != nil {
				return err
			}
			problems = append(problems, verifyChains(s.orch.Workspace(), s.deployment.Components)...)

			out := cmd.OutOrStdout()
			if jsonOutput {
				msgs := make([]string, len(problems))
				for i, p := range problems {
					msgs[i] = p.Error()
				}
				if err := printJSON(out, map[string]any{"ok": len(problems) == 0, "problems": msgs}); err != nil {
					return err
				}
			} else {
				for _, p := range problems {
					fmt.Fprintln(out, p)
				}
			}

			if len(problems) > 0 {
				return fmt.Errorf("verification found %d problem(s)", len(problems))
			}
			if !jsonOutput {
				fmt.Fprintln(out, "all artifacts verified")
			}
			log.Info().Str("root", s.deployment.OutputRoot).Msg("Verification passed")
			return nil
		},
	}

	return cmd
}

// verifyChains checks the certificate of each certified component that has
// been built against the root and against its own CA copy.
func verifyChains(ws *engine.Workspace, components []config.ComponentConfig) []error {
	var problems []error
	rootPEM, rootErr := ws.Read(pki.RootCertPath)
	for _, c := range components {
		if !c.Certificate {
			continue
		}
		paths := pki.PathsFor(c.Name)
		leafPEM, err := ws.Read(paths.Cert)
		if err != nil {
			continue
		}
		if rootErr != nil {
			problems = append(problems, engine.NewIOError("root certificate unreadable", rootErr).
				WithArtifact(pki.LeafID(c.Name)).WithPath(pki.RootCertPath))
			continue
		}
		if err := pki.VerifyChain(leafPEM, rootPEM); err != nil {
			problems = append(problems, engine.NewGenerationError("certificate does not chain to the root", err).
				WithArtifact(pki.LeafID(c.Name)).WithPath(paths.Cert))
		}
		caPEM, err := ws.Read(paths.CA)
		if err != nil {
			problems = append(problems, engine.NewIOError("CA copy unreadable", err).
				WithArtifact(pki.LeafID(c.Name)).WithPath(paths.CA))
			continue
		}
		if !bytes.Equal(caPEM, rootPEM) {
			problems = append(problems, engine.NewGenerationError("CA copy differs from the root certificate", nil).
				WithArtifact(pki.LeafID(c.Name)).WithPath(paths.CA))
		}
	}
	return problems
}
