package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/insight-runtime/runtime/resume"
)

func newAskCmd(opts *globalOptions) *cobra.Command {
	var (
		contextRef string
		resumeID   string
		timeout    time.Duration
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run one insight request from the terminal",
		Long: `Run one insight request through the same controller the HTTP API uses.

When the time runs out before an answer is ready the job id is printed;
pass it to --resume to continue from the last checkpoint.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" && resumeID == "" {
				return fmt.Errorf("a question or --resume is required")
			}

			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if timeout <= 0 {
				timeout = rt.cfg.Server.HostTimeout
			}
			res, err := rt.controller.Run(cmd.Context(), resume.Request{
				JobID:      resumeID,
				Question:   question,
				ContextRef: contextRef,
				Deadline:   time.Now().Add(timeout),
			})
			if err != nil {
				return err
			}
			return printResult(cmd, res, jsonOutput)
		},
	}
	cmd.Flags().StringVar(&contextRef, "context", "", "context reference passed to the context source")
	cmd.Flags().StringVar(&resumeID, "resume", "", "resume an existing job by id")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait (defaults to server.hostTimeout)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the result as JSON")
	return cmd
}

func printResult(cmd *cobra.Command, res resume.Result, jsonOutput bool) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		switch {
		case res.Completed:
			fmt.Fprintln(out, res.FinalAnswer)
		case res.Resumable:
			fmt.Fprintf(out, "job %s is not finished; continue with: insightd ask --resume %s\n", res.JobID, res.JobID)
		}
	}
	if res.Failed {
		return fmt.Errorf("job %s failed (%s): %s", res.JobID, res.ErrorKind, res.Message)
	}
	return nil
}
