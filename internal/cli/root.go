// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mobiletoly/go-ledgersync/internal/config"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	EnvFile string
	Format  string // "json" | "text"
	Verbose bool

	v *viper.Viper
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the ledgersync binary
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "ledgersync",
		Short: "Offline-first ledger sync server and device tools",
		Long: `ledgersync runs the push/pull sync server for the supplier, product, rate,
collection and payment ledger, and drives a local device store for testing.

Settings come from flags, LEDGERSYNC_* environment variables and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return bindFlags(opts.v, cmd.Flags())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file to load (missing file is ignored)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewDeviceCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))

	return cmd
}

// bindFlags exposes every flag of the running command to viper under its
// snake_case name, so --database-url and LEDGERSYNC_DATABASE_URL share a key
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return err
}

// load resolves configuration and builds the logger for a command
func (o *RootOptions) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	if o.Verbose {
		o.v.Set(config.KeyLogLevel, "debug")
	}
	cfg, err := config.Load(o.v, o.EnvFile)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger, err := config.NewLogger(cfg.Logger, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid logger configuration", err)
	}
	return cfg, logger, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout(), Verbose: o.Verbose}
}
