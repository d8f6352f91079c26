package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/insight-runtime/state"
)

func newJobCmd(opts *globalOptions) *cobra.Command {
	var (
		jsonOutput  bool
		showHistory bool
	)
	cmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show a job's status and checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			job, err := rt.store.Load(cmd.Context(), args[0])
			if errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			invalid := errors.Is(err, state.ErrInvariant)
			if err != nil && !invalid {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(job)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "job\t%s\n", job.ID)
			fmt.Fprintf(tw, "status\t%s\n", job.Status)
			fmt.Fprintf(tw, "attempts\t%d\n", job.AttemptCount)
			fmt.Fprintf(tw, "version\t%d\n", job.Version)
			if job.Checkpoint != nil {
				fmt.Fprintf(tw, "iteration\t%d\n", job.Checkpoint.IterationIndex)
				fmt.Fprintf(tw, "turns\t%d\n", len(job.Checkpoint.History))
				fmt.Fprintf(tw, "compactions\t%d\n", job.Checkpoint.CompactionCount)
			}
			if job.Error != nil {
				fmt.Fprintf(tw, "error\t%s: %s\n", job.Error.Kind, job.Error.Kind.Summary())
			}
			if invalid {
				fmt.Fprintf(tw, "checkpoint\tinvalid (%v)\n", err)
			}
			if job.FinalAnswer != "" {
				fmt.Fprintf(tw, "answer\t%s\n", job.FinalAnswer)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if showHistory && job.Checkpoint != nil {
				fmt.Fprintln(out)
				for i, turn := range job.Checkpoint.History {
					fmt.Fprintf(out, "%3d %-12s %s\n", i, turn.Kind, turnSummary(turn))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the whole job as JSON")
	cmd.Flags().BoolVar(&showHistory, "history", false, "list the checkpointed turns")
	return cmd
}

func turnSummary(turn state.Turn) string {
	var s string
	switch {
	case turn.Error != nil:
		s = fmt.Sprintf("%s failed (%s)", turn.ToolName, turn.Error.Kind)
	case turn.Kind == state.TurnToolResult:
		s = fmt.Sprintf("%s -> %s", turn.ToolName, turn.Output)
	case len(turn.ToolCalls) > 0:
		names := make([]string, 0, len(turn.ToolCalls))
		for _, c := range turn.ToolCalls {
			names = append(names, c.Name)
		}
		s = fmt.Sprintf("calls %v", names)
	default:
		s = turn.Content
	}
	if len(s) > 100 {
		s = s[:100] + "..."
	}
	return s
}
