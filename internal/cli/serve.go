// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-ledgersync/internal/config"
	"github.com/mobiletoly/go-ledgersync/internal/server"
)

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP server",
		Long: `Run the sync HTTP server against PostgreSQL.

Endpoints:
  POST /sync/push                   upload a batch of operations
  GET  /sync/pull                   fetch changes after a cursor
  GET  /admin/conflicts             list recorded conflicts
  POST /admin/conflicts/adjudicate  decide a pending conflict
  POST /admin/conflicts/sweep       settle pending conflicts server-wins
  GET  /admin/audit                 list audit entries
  GET  /admin/audit/verify          recompute audit checksums
  GET  /admin/devices               per-device pull progress
  GET  /health                      liveness and database check

All endpoints except /health require a JWT bearer token (see "ledgersync token").`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}

	cmd.Flags().String("listen-addr", "", "address to listen on (default :8080)")
	cmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	cmd.Flags().String("conflict-policy", "", "server_wins or manual_review")
	cmd.Flags().Int("max-batch-size", 0, "maximum operations per push (default 500)")
	cmd.Flags().Bool("log-requests", true, "log one line per HTTP request")
	cmd.Flags().Bool("strict-payloads", true, "check required payload fields per entity type")

	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}
	if cfg.Env != config.EnvProd && opts.v.GetString("jwt_secret") == "" {
		logger.Warn("Using the development JWT secret, set LEDGERSYNC_JWT_SECRET outside local testing")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := server.SetupServer(ctx, &server.ServerConfig{
		DatabaseURL: cfg.DB.DatabaseURL,
		JWTSecret:   cfg.Server.JWTSecret,
		Logger:      logger,
		Service:     cfg.ServiceConfig(),
		LogRequests: cfg.Server.LogRequests,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to setup server", err)
	}
	defer components.Close()

	if err := server.Run(ctx, cfg.Server.ListenAddr, components.Handler, cfg.Server.ShutdownTimeout, logger); err != nil {
		return WrapExitError(ExitFailure, "server stopped", err)
	}
	return nil
}
