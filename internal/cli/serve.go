package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/insight-runtime/internal/httpapi"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the insight HTTP API and run the lease sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.cfg.Sweeper.Enabled {
				sweeper := rt.sweeper()
				if err := sweeper.Start(); err != nil {
					return err
				}
				defer sweeper.Stop()
			}

			if addr == "" {
				addr = rt.cfg.Server.Addr
			}
			srv := httpapi.NewServer(httpapi.Config{
				Addr:            addr,
				HostTimeout:     rt.cfg.Server.HostTimeout,
				ShutdownTimeout: rt.cfg.Server.ShutdownTimeout,
				Tracing:         rt.cfg.Telemetry.Tracing,
				Logger:          rt.logger.With().Str("component", "http").Logger(),
			}, rt.controller, rt.agent)
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	return cmd
}
