// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

// TokenResult is the output of the token command
type TokenResult struct {
	Token     string    `json:"token"`
	User      string    `json:"user"`
	Device    string    `json:"device"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewTokenCommand creates the token command
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var user, device string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for a user and device",
		Long: `Mint a JWT signed with the configured secret. The subject is the user id and
the "did" claim is the device id, matching what the sync endpoints expect.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(rootOpts, cmd, user, device, ttl)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&device, "device", "", "device id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from LEDGERSYNC_TOKEN_TTL)")
	cmd.Flags().String("jwt-secret", "", "signing secret")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("device")

	return cmd
}

func runToken(opts *RootOptions, cmd *cobra.Command, user, device string, ttl time.Duration) error {
	cfg, _, err := opts.load(cmd)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = cfg.Server.TokenTTL
	}

	expiresAt := time.Now().Add(ttl)
	token, err := ledgersync.NewJWTAuth(cfg.Server.JWTSecret).GenerateToken(user, device, ttl)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to sign token", err)
	}

	res := TokenResult{Token: token, User: user, Device: device, ExpiresAt: expiresAt.UTC().Truncate(time.Second)}
	return opts.formatter(cmd).Success(res, func(w io.Writer) {
		fmt.Fprintln(w, token)
	})
}
