// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

// SweepResult reports a conflicts sweep
type SweepResult struct {
	UserID   string `json:"userId"`
	Resolved int    `json:"resolved"`
	Passes   int    `json:"passes"`
}

// NewConflictsCommand creates the server-side conflicts command group
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Operate on conflicts recorded by the server",
	}
	cmd.AddCommand(newConflictsSweepCommand(rootOpts))
	return cmd
}

func newConflictsSweepCommand(rootOpts *RootOptions) *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Settle a user's pending conflicts server-wins",
		Long: `Resolve every conflict still pending manual review for a user, keeping the
server state. Run it on a schedule when the server uses manual_review.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, svc, closeFn, err := rootOpts.openService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := sweepAll(cmd.Context(), svc, cfg.Device.UserID, batch)
			if err != nil {
				return WrapExitError(ExitFailure, "conflict sweep failed", err)
			}
			return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
				field(w, "user", res.UserID)
				field(w, "resolved", res.Resolved)
				if res.Resolved == 0 {
					okColor.Fprintln(w, "no pending conflicts")
				}
			})
		},
	}

	cmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	cmd.Flags().String("user-id", "", "user whose conflicts to settle")
	cmd.Flags().IntVar(&batch, "batch", 100, "conflicts settled per pass (1-1000)")

	return cmd
}

type conflictSweeper interface {
	ResolvePendingConflicts(ctx context.Context, userID string, limit int) (int, error)
}

// sweepAll repeats passes until one settles nothing
func sweepAll(ctx context.Context, s conflictSweeper, userID string, batch int) (*SweepResult, error) {
	res := &SweepResult{UserID: userID}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := s.ResolvePendingConflicts(ctx, userID, batch)
		res.Resolved += n
		res.Passes++
		if err != nil {
			return res, err
		}
		if n == 0 {
			return res, nil
		}
	}
}
