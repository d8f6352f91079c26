// Package cli is the insightd command tree.
package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	configFile string
	logLevel   string
}

func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "insightd",
		Short: "Bounded-time, resumable insight generation",
		Long: `insightd answers questions by reasoning over tool results inside a fixed
time budget. Work is checkpointed so a job that runs out of time resumes
where it stopped instead of starting over.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file (overrides INSIGHT_CONFIG_FILE)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newSweepCmd(opts),
		newJobCmd(opts),
	)
	return root
}

// Execute runs the command tree with the given arguments and writers.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}
