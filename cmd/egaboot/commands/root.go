package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "egaboot.yaml"

var (
	// Global flags
	configPath    string
	verbose       bool
	jsonOutput    bool
	logFile       string
	metricsFile   string
	traceExporter string
	traceEndpoint string
	policyPaths   []string

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	return newRootCommand(ver, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(ver, commit, buildDate string) *cobra.Command {
	version = ver

	rootCmd := &cobra.Command{
		Use:   "egaboot",
		Short: "egaboot - LocalEGA deployment bootstrap",
		Long: `egaboot provisions the secrets, PKI, user credentials, service configs and
topology descriptor of a LocalEGA deployment.

Artifacts form a dependency graph. A build regenerates only what is missing
or stale, runs independent artifacts in parallel and records every output in
a manifest kept next to them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", ver, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", defaultConfigPath, "deployment file (.yaml, .yml, .cue or .json)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&logFile, "log-file", "", "write JSON logs to this file instead of stderr")
	flags.StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile after the run")
	flags.StringVar(&traceExporter, "trace-exporter", "none", "span exporter: none, stdout or otlp")
	flags.StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP collector address, e.g. localhost:4317")
	flags.StringSliceVar(&policyPaths, "policy", nil, "additional .rego/.json policy files or directories")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newCleanCommand())
	rootCmd.AddCommand(newCleanAllCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newGraphCommand())

	return rootCmd
}
