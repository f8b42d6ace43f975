// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-ledgersync/internal/config"
	"github.com/mobiletoly/go-ledgersync/ledgerlite"
	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

// NewDeviceCommand creates the device command group. Its subcommands operate
// on a local SQLite store exactly as an offline device would.
func NewDeviceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Drive a local device store (enqueue, sync, inspect)",
		Long: `Operate a device-side SQLite store: record mutations while offline, sync them
with the server and inspect the mutation log.

Without --token a token is minted locally from the configured JWT secret.`,
	}

	cmd.PersistentFlags().String("device-db", "", "path to the device SQLite file (default ledgerlite.db)")
	cmd.PersistentFlags().String("server-url", "", "sync server base URL (default http://localhost:8080)")
	cmd.PersistentFlags().String("user-id", "", "user the device belongs to")
	cmd.PersistentFlags().String("token", "", "bearer token for the sync server")

	cmd.AddCommand(newDeviceIDCommand(rootOpts))
	cmd.AddCommand(newDeviceEnqueueCommand(rootOpts))
	cmd.AddCommand(newDeviceListCommand(rootOpts))
	cmd.AddCommand(newDeviceSyncCommand(rootOpts))
	cmd.AddCommand(newDeviceStatusCommand(rootOpts))
	cmd.AddCommand(newDeviceFailedCommand(rootOpts))
	cmd.AddCommand(newDeviceRetryCommand(rootOpts))
	cmd.AddCommand(newDeviceConflictsCommand(rootOpts))
	cmd.AddCommand(newDevicePurgeCommand(rootOpts))

	return cmd
}

type deviceSession struct {
	client   *ledgerlite.Client
	db       *sql.DB
	userID   string
	deviceID string
}

func (d *deviceSession) Close() error {
	d.client.Close()
	return d.db.Close()
}

// openDevice opens the device store and builds a client with an HTTP transport
func openDevice(opts *RootOptions, cmd *cobra.Command) (*deviceSession, error) {
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Device.UserID == "" {
		return nil, NewExitError(ExitCommandError, "--user-id is required")
	}

	db, err := sql.Open("sqlite3", cfg.Device.DBPath+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open device database", err)
	}
	deviceID, err := ledgerlite.EnsureDeviceID(db, cfg.Device.UserID)
	if err != nil {
		_ = db.Close()
		return nil, WrapExitError(ExitCommandError, "failed to initialize device database", err)
	}

	transport := ledgerlite.NewHTTPTransport(cfg.Device.ServerURL, deviceID,
		tokenSource(cfg, opts.v.GetString("token"), cfg.Device.UserID, deviceID))
	clientCfg := ledgerlite.DefaultConfig()
	clientCfg.Logger = logger
	client, err := ledgerlite.NewClient(db, cfg.Device.UserID, deviceID, transport, clientCfg)
	if err != nil {
		_ = db.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create device client", err)
	}
	return &deviceSession{client: client, db: db, userID: cfg.Device.UserID, deviceID: deviceID}, nil
}

func tokenSource(cfg *config.Config, token, userID, deviceID string) func(context.Context) (string, error) {
	if token != "" {
		return func(context.Context) (string, error) { return token, nil }
	}
	jwtAuth := ledgersync.NewJWTAuth(cfg.Server.JWTSecret)
	return func(context.Context) (string, error) {
		return jwtAuth.GenerateToken(userID, deviceID, cfg.Server.TokenTTL)
	}
}

// withDevice runs fn against an opened device and closes it afterwards
func withDevice(opts *RootOptions, fn func(cmd *cobra.Command, d *deviceSession, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		d, err := openDevice(opts, cmd)
		if err != nil {
			return err
		}
		defer d.Close()
		return fn(cmd, d, args)
	}
}

func newDeviceIDCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "id",
		Short:         "Print the persisted device id",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: withDevice(opts, func(cmd *cobra.Command, d *deviceSession, _ []string) error {
			data := map[string]string{"userId": d.userID, "deviceId": d.deviceID}
			return opts.formatter(cmd).Success(data, func(w io.Writer) {
				fmt.Fprintln(w, d.deviceID)
			})
		}),
	}
}

// EnqueueResult is the output of device enqueue
type EnqueueResult struct {
	EntityType string `json:"entityType"`
	ClientID   string `json:"clientId"`
	OpID       string `json:"opId"`
	Operation  string `json:"operation"`
}

func newDeviceEnqueueCommand(opts *RootOptions) *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "enqueue <entity-type> <create|update|delete> [client-id]",
		Short: "Record a local mutation in the device store",
		Example: `  ledgersync device enqueue supplier create --payload '{"name":"Acme"}'
  ledgersync device enqueue rate update 3f1c... --payload '{"price":120}'
  ledgersync device enqueue payment delete 9a2b...`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: withDevice(opts, func(cmd *cobra.Command, d *deviceSession, args []string) error {
			ctx := cmd.Context()
			entityType, operation := args[0], args[1]
			res := EnqueueResult{EntityType: entityType, Operation: operation}
			if len(args) == 3 {
				res.ClientID = args[2]
			}

			var err error
			switch operation {
			case ledgersync.OpCreate:
				if res.ClientID != "" {
					return NewExitError(ExitCommandError, "create takes no client id")
				}
				res.ClientID, res.OpID, err = d.client.Create(ctx, entityType, json.RawMessage(payload))
			case ledgersync.OpUpdate:
				if res.ClientID == "" {
					return NewExitError(ExitCommandError, "update needs a client id")
				}
				res.OpID, err = d.client.Update(ctx, entityType, res.ClientID, json.RawMessage(payload))
			case ledgersync.OpDelete:
				if res.ClientID == "" {
					return NewExitError(ExitCommandError, "delete needs a client id")
				}
				res.OpID, err = d.client.Delete(ctx, entityType, res.ClientID)
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown operation %q", operation))
			}
			if err != nil {
				if errors.Is(err, ledgerlite.ErrUnknownEntityType) || errors.Is(err, ledgerlite.ErrInvalidPayload) ||
					errors.Is(err, ledgerlite.ErrRecordNotFound) {
					return WrapExitError(ExitCommandError, "enqueue rejected", err)
				}
				return WrapExitError(ExitFailure, "enqueue failed", err)
			}

			return opts.formatter(cmd).Success(res, func(w io.Writer) {
				okColor.Fprintf(w, "queued %s %s/%s\n", res.Operation, res.EntityType, res.ClientID)
				field(w, "op id", res.OpID)
			})
		}),
	}

	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON object payload for create and update")
	return cmd
}

func newDeviceListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list <entity-type>",
		Short:         "List live local records of an entity type",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: withDevice(opts, func(cmd *cobra.Command, d *deviceSession, args []string) error {
			records, err := d.client.List(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "list failed", err)
			}
			return opts.formatter(cmd).Success(records, func(w io.Writer) {
				for _, r := range records {
					statusColor(r.SyncStatus).Fprintf(w, "%-9s", r.SyncStatus)
					fmt.Fprintf(w, " %s v%d %s\n", r.ClientID, r.Version, string(r.Payload))
				}
				if len(records) == 0 {
					fmt.Fprintln(w, "no records")
				}
			})
		}),
	}
}

func newDeviceSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sync",
		Short:         "Push the mutation log, then pull every entity type",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: withDevice(opts, func(cmd *cobra.Command, d *deviceSession, _ []string) error {
			out := opts.formatter(cmd)
			events, unsubscribe := d.client.Subscribe(64)
			defer unsubscribe()

			res, err := d.client.Sync(cmd.Context())
			if err != nil {
				_ = out.Error("sync_failed", err.Error())
				return WrapExitError(ExitFailure, "sync failed", err)
			}
			rejected := collectRejections(events)

			return out.Success(res, func(w io.Writer) {
				p := res.Push
				field(w, "pushed", p.Sent)
				okColor.Fprintf(w, "  acknowledged %d\n", p.Acknowledged)
				warnColor.Fprintf(w, "  conflicts    %d\n", p.Conflicts)
				errColor.Fprintf(w, "  rejected     %d\n", p.Rejected)
				for _, ev := range rejected {
					fmt.Fprintf(w, "    %s %s/%s: %s\n", ev.OpID, ev.EntityType, ev.ClientID, ev.Reason)
				}
				for _, pull := range res.Pulls {
					field(w, "pulled "+pull.EntityType,
						fmt.Sprintf("%d applied, %d skipped, cursor %d", pull.Applied, pull.Skipped, pull.Cursor))
				}
				field(w, "took", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
			})
		}),
	}
}

func collectRejections(events <-chan ledgerlite.SyncEvent) []ledgerlite.SyncEvent {
	var out []ledgerlite.SyncEvent
	for {
		select {
		case ev := <-events:
			if ev.Type == ledgerlite.EventOperationRejected {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

// DeviceStatus summarizes the device store
type DeviceStatus struct {
	UserID     string                 `json:"userId"`
	DeviceID   string                 `json:"deviceId"`
	Operations map[string]int         `json:"operations"`
	Conflicts  int                    `json:"conflicts"`
	Cursors    []ledgerlite.SyncState `json:"cursors"`
}

func newDeviceStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show mutation log counts and pull cursors",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: withDevice(opts, func(cmd *cobra.Command, d *deviceSession, _ []string) error {
			status, err := deviceStatus(cmd.Context(), d)
			if err != nil {
				return WrapExitError(ExitFailure, "status failed", err)
			}
			return opts.formatter(cmd).Success(status, func(w io.Writer) {
				field(w, "user", status.UserID)
				field(w, "device", status.DeviceID)
				for _, s := range []string{ledgerlite.OpQueued, ledgerlite.OpInFlight, ledgerlite.OpAcknowledged,
					ledgerlite.OpConflict, ledgerlite.OpRejected, ledgerlite.OpFailed} {
					statusColor(s).Fprintf(w, "  %-13s", s)
					fmt.Fprintf(w, " %d\n", status.Operations[s])
				}
				field(w, "conflicts", status.Conflicts)
				for _, c := range status.Cursors {
					field(w, "cursor "+c.EntityType, c.LastSyncCursor)
				}
			})
		}),
	}
}

func deviceStatus(ctx context.Context, d *deviceSession) (*DeviceStatus, error) {
	ops, err := d.client.ListOperations(ctx, "", "")
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, op := range ops {
		counts[op.Status]++
	}
	conflicts, err := d.client.ListConflicts(ctx, "")
	if err != nil {
		return nil, err
	}
	cursors, err := d.client.SyncStates(ctx)
	if err != nil {
		return nil, err
	}
	return &DeviceStatus{
		UserID:     d.userID,
		DeviceID:   d.deviceID,
		Operations: counts,
		Conflicts:  len(conflicts),
		Cursors:    cursors,
	}, nil
}

func newDeviceFailedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "failed",
		Short:         "List operations that exhausted their retries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: withDevice(opts, func(cmd *cobra.Command, d *deviceSession, _ []string) error {
			ops, err := d.client.ListFailed(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list operations", err)
			}
			return opts.formatter(cmd).Success(ops, func(w io.Writer) {
				if len(ops) == 0 {
					okColor.Fprintln(w, "no failed operations")
					return
				}
				for _, op := range ops {
					errColor.Fprintf(w, "%s", op.OpID)
					fmt.Fprintf(w, " %s %s/%s retries=%d: %s\n", op.Operation, op.EntityType, op.ClientID, op.RetryCount, op.LastError)
				}
			})
		}),
	}
}

func newDeviceRetryCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:           "retry [op-id...]",
		Short:         "Requeue failed operations with a fresh retry budget",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: withDevice(opts, func(cmd *cobra.Command, d *deviceSession, args []string) error {
			ctx := cmd.Context()
			ids := args
			if all {
				ops, err := d.client.ListFailed(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list operations", err)
				}
				ids = nil
				for _, op := range ops {
					ids = append(ids, op.OpID)
				}
			}
			if len(ids) == 0 && !all {
				return NewExitError(ExitCommandError, "pass op ids or --all")
			}
			for _, id := range ids {
				if err := d.client.RetryFailed(ctx, id); err != nil {
					return WrapExitError(ExitFailure, "retry failed", err)
				}
			}
			return opts.formatter(cmd).Success(ids, func(w io.Writer) {
				okColor.Fprintf(w, "requeued %d operations\n", len(ids))
			})
		}),
	}

	cmd.Flags().BoolVar(&all, "all", false, "requeue every failed operation")
	return cmd
}

func newDeviceConflictsCommand(opts *RootOptions) *cobra.Command {
	var entityType string

	cmd := &cobra.Command{
		Use:           "conflicts",
		Short:         "List conflicts recorded on this device, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: withDevice(opts, func(cmd *cobra.Command, d *deviceSession, _ []string) error {
			conflicts, err := d.client.ListConflicts(cmd.Context(), entityType)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list conflicts", err)
			}
			return opts.formatter(cmd).Success(conflicts, func(w io.Writer) {
				for _, c := range conflicts {
					warnColor.Fprintf(w, "%-16s", c.ConflictType)
					fmt.Fprintf(w, " %s/%s %s server v%d\n", c.EntityType, c.ClientID, c.Resolution, c.ServerVersion)
				}
				if len(conflicts) == 0 {
					okColor.Fprintln(w, "no conflicts")
				}
			})
		}),
	}

	cmd.Flags().StringVar(&entityType, "entity-type", "", "only this entity type")
	return cmd
}

func newDevicePurgeCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:           "purge",
		Short:         "Delete settled operations from the mutation log",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: withDevice(opts, func(cmd *cobra.Command, d *deviceSession, _ []string) error {
			n, err := d.client.PurgeArchived(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return WrapExitError(ExitFailure, "purge failed", err)
			}
			return opts.formatter(cmd).Success(map[string]int64{"purged": n}, func(w io.Writer) {
				fmt.Fprintf(w, "purged %d operations\n", n)
			})
		}),
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "keep operations newer than this")
	return cmd
}
