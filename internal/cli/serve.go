package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thesyncim/capture/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the recording control API",
		Long:  "Serve a JSON control API, a websocket status feed at /api/events and an MJPEG preview at /api/preview.mjpeg.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.deps.Config

			opts, err := startOptions(cfg)
			if err != nil {
				return err
			}
			session, devices, err := a.newSession()
			if err != nil {
				return err
			}
			defer session.Close()

			srv, err := server.New(server.Options{
				Session:        session,
				Devices:        devices,
				Defaults:       opts,
				FilenamePrefix: cfg.FilenamePrefix,
				AllowOrigins:   cfg.AllowOrigins,
				Logger:         a.deps.Logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx, cfg.ListenAddr)
		},
	}

	cmd.Flags().StringP("listen-addr", "l", "", "address to listen on")
	cmd.Flags().StringP("output-dir", "o", "", "directory saved recordings are written to")
	cmd.Flags().StringSlice("allow-origins", nil, "CORS origins")

	return cmd
}
