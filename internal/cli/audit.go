// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-ledgersync/internal/config"
	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

// AuditVerifyResult aggregates every page checked by audit verify
type AuditVerifyResult struct {
	UserID     string  `json:"userId"`
	Checked    int     `json:"checked"`
	LastID     int64   `json:"lastId"`
	Mismatches []int64 `json:"mismatches,omitempty"`
}

// NewAuditCommand creates the audit command group
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tamper-evident audit log",
	}
	cmd.AddCommand(newAuditVerifyCommand(rootOpts))
	cmd.AddCommand(newAuditListCommand(rootOpts))
	return cmd
}

func newAuditVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var afterID int64

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute audit checksums for a user",
		Long: `Walk a user's audit entries in id order and recompute each checksum.
Exits with status 1 if any entry was altered.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditVerify(rootOpts, cmd, afterID)
		},
	}

	cmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	cmd.Flags().String("user-id", "", "user whose entries to verify")
	cmd.Flags().Int64Var(&afterID, "after", 0, "start after this audit entry id")

	return cmd
}

func runAuditVerify(opts *RootOptions, cmd *cobra.Command, afterID int64) error {
	cfg, svc, closeFn, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := cmd.Context()

	res, verifyErr := verifyAll(ctx, svc, cfg.Device.UserID, afterID)
	if verifyErr != nil && !errors.Is(verifyErr, ledgersync.ErrChecksumMismatch) {
		return WrapExitError(ExitFailure, "audit verification failed", verifyErr)
	}

	out := opts.formatter(cmd)
	if err := out.Success(res, func(w io.Writer) {
		field(w, "user", res.UserID)
		field(w, "checked", res.Checked)
		field(w, "last id", res.LastID)
		if len(res.Mismatches) == 0 {
			okColor.Fprintln(w, "audit log intact")
			return
		}
		errColor.Fprintf(w, "%d tampered entries: %v\n", len(res.Mismatches), res.Mismatches)
	}); err != nil {
		return err
	}
	if len(res.Mismatches) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("audit log has %d tampered entries", len(res.Mismatches)))
	}
	return nil
}

func newAuditListCommand(rootOpts *RootOptions) *cobra.Command {
	var entityType, entityID string
	var limit int

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List a user's audit entries, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, svc, closeFn, err := rootOpts.openService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			entries, err := svc.ListAudit(cmd.Context(), cfg.Device.UserID, entityType, entityID, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list audit entries", err)
			}
			if entries == nil {
				entries = []ledgersync.AuditEntry{}
			}
			return rootOpts.formatter(cmd).Success(entries, func(w io.Writer) {
				if len(entries) == 0 {
					warnColor.Fprintln(w, "no audit entries")
					return
				}
				for _, e := range entries {
					fmt.Fprintf(w, "%d  %s  %-22s %-14s %s/%s  device=%s\n", e.ID,
						e.CreatedAt.Format(time.RFC3339), e.Action, e.Outcome, e.EntityType, e.EntityID, e.DeviceID)
				}
			})
		},
	}

	cmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	cmd.Flags().String("user-id", "", "user whose entries to list")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "only entries for this entity type")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "only entries for this server record id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to show (1-1000)")

	return cmd
}

// openService connects to the database named by the resolved configuration.
// The returned func closes the service and the pool.
func (o *RootOptions) openService(cmd *cobra.Command) (*config.Config, *ledgersync.SyncService, func(), error) {
	cfg, logger, err := o.load(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Device.UserID == "" {
		return nil, nil, nil, NewExitError(ExitCommandError, "--user-id is required")
	}

	pool, err := pgxpool.New(cmd.Context(), cfg.DB.DatabaseURL)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to connect to database", err)
	}
	svc, err := ledgersync.NewSyncService(pool, cfg.ServiceConfig(), logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, WrapExitError(ExitCommandError, "failed to open sync service", err)
	}
	return cfg, svc, func() {
		svc.Close()
		pool.Close()
	}, nil
}

type auditVerifier interface {
	VerifyAuditLog(ctx context.Context, userID string, afterID int64, limit int) (*ledgersync.AuditReport, error)
}

// verifyAll pages through the log until a page comes back empty
func verifyAll(ctx context.Context, v auditVerifier, userID string, afterID int64) (*AuditVerifyResult, error) {
	res := &AuditVerifyResult{UserID: userID, LastID: afterID}
	var mismatch error
	for {
		report, err := v.VerifyAuditLog(ctx, userID, res.LastID, 0)
		if err != nil && !errors.Is(err, ledgersync.ErrChecksumMismatch) {
			return res, err
		}
		if err != nil {
			mismatch = err
		}
		if report == nil || report.Checked == 0 {
			return res, mismatch
		}
		res.Checked += report.Checked
		res.LastID = report.LastID
		res.Mismatches = append(res.Mismatches, report.Mismatches...)
	}
}
