package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark running jobs with expired leases as timed out, once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.sweeper().SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d job(s) marked timed out\n", n)
			return nil
		},
	}
}
