package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ega-archive/egaboot/pkg/config"
	"github.com/ega-archive/egaboot/pkg/engine"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the reference deployment file",
		Long: `Write the reference LocalEGA deployment: database, broker, federation stub,
key server, ingest, two chained backups and cleanup, with two test users.

The format follows the file extension of --config.`,
		Example: `  # YAML deployment in the current directory
  egaboot init

  # CUE deployment
  egaboot init --config deploy/lega.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := config.FormatOf(configPath)
			if err != nil {
				return engine.NewValidationError("init", err).WithPath(configPath)
			}
			if _, err := os.Stat(configPath); err == nil && !force {
				return engine.NewValidationError("deployment file already exists, use --force to overwrite", nil).
					WithPath(configPath)
			}

			body, err := config.NewLoader().Marshal(config.Default(), format)
			if err != nil {
				return engine.NewConfigError("encode default deployment", err)
			}

			if dir := filepath.Dir(configPath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return engine.NewIOError("create directory", err).WithPath(dir)
				}
			}
			if err := os.WriteFile(configPath, append(header(format), body...), 0o644); err != nil {
				return engine.NewIOError("write deployment file", err).WithPath(configPath)
			}

			log.Info().Str("path", configPath).Str("format", string(format)).Msg("Deployment file written")
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n\nNext steps:\n  egaboot validate\n  egaboot build\n", configPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing deployment file")

	return cmd
}

func header(format config.Format) []byte {
	prefix := "#"
	if format == config.FormatCUE {
		prefix = "//"
	}
	lines := []string{
		"LocalEGA deployment for egaboot.",
		"Relative output_root paths are resolved against this file's directory.",
		"Secrets default to 32 characters; certificates to " + fmt.Sprint(config.DefaultValidityDays) + " days.",
	}
	var buf bytes.Buffer
	for _, l := range lines {
		fmt.Fprintf(&buf, "%s %s\n", prefix, l)
	}
	buf.WriteString("\n")
	return buf.Bytes()
}
