// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgerlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

// PushResult counts operation outcomes of one Push
type PushResult struct {
	Sent         int `json:"sent"`
	Acknowledged int `json:"acknowledged"`
	Conflicts    int `json:"conflicts"`
	Rejected     int `json:"rejected"`
	Failed       int `json:"failed"`
}

// Push sends every eligible queued operation in batches of Config.PushBatchSize.
// A transport failure reschedules the batch with backoff and is returned.
func (c *Client) Push(ctx context.Context) (*PushResult, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	result := &PushResult{}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		ops, err := c.drain(ctx, c.DB, "", c.config.PushBatchSize)
		if err != nil {
			return result, err
		}
		if len(ops) == 0 {
			return result, nil
		}
		if err := c.pushAdaptive(ctx, ops, result); err != nil {
			return result, err
		}
	}
}

// pushAdaptive sends ops, halving the chunk while the server reports batch_too_large
func (c *Client) pushAdaptive(ctx context.Context, ops []Operation, result *PushResult) error {
	chunkSize := len(ops)
	for start := 0; start < len(ops); {
		if chunkSize > len(ops)-start {
			chunkSize = len(ops) - start
		}
		// Earlier results may have settled ops of this chunk; only the rest are sent.
		chunk, err := c.markInFlight(ctx, ops[start:start+chunkSize])
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			start += chunkSize
			continue
		}
		req, err := c.pushRequest(ctx, chunk)
		if err != nil {
			if rqErr := c.requeue(context.WithoutCancel(ctx), chunk); rqErr != nil {
				return errors.Join(err, rqErr)
			}
			return err
		}

		resp, err := c.sendChunk(ctx, req)
		if err != nil {
			return c.handleSendFailure(ctx, chunk, err, result)
		}

		if !resp.Accepted && containsBatchTooLarge(resp) {
			if err := c.requeue(ctx, chunk); err != nil {
				return err
			}
			if len(chunk) == 1 {
				return c.handleSendFailure(ctx, chunk, errors.New("server rejected a single-operation batch as too large"), result)
			}
			newSize := chunkSize / 2
			c.logger.Warn("Server rejected batch as too large; reducing chunk size",
				"from", chunkSize, "to", newSize, "pending", len(ops)-start)
			chunkSize = newSize
			continue
		}
		if len(resp.Results) != len(chunk) {
			return c.handleSendFailure(ctx, chunk,
				fmt.Errorf("result count mismatch: sent %d operations, got %d results", len(chunk), len(resp.Results)), result)
		}

		if err := c.applyResults(ctx, chunk, resp.Results, result); err != nil {
			return fmt.Errorf("failed to apply push results: %w", err)
		}
		result.Sent += len(chunk)
		start += chunkSize
	}
	return nil
}

func (c *Client) pushRequest(ctx context.Context, chunk []Operation) (*ledgersync.PushRequest, error) {
	req := &ledgersync.PushRequest{DeviceID: c.DeviceID, Operations: make([]ledgersync.OperationUpload, len(chunk))}
	for i, op := range chunk {
		serverID := op.ServerID
		if serverID == "" {
			// The create may have been acknowledged after this op was queued.
			err := c.DB.QueryRowContext(ctx, `SELECT COALESCE(server_id, '') FROM _sync_records
				WHERE entity_type = ? AND client_id = ?`, op.EntityType, op.ClientID).Scan(&serverID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("failed to read server id of %s/%s: %w", op.EntityType, op.ClientID, err)
			}
		}
		req.Operations[i] = ledgersync.OperationUpload{
			OpID:        op.OpID,
			EntityType:  op.EntityType,
			Operation:   op.Operation,
			ClientID:    op.ClientID,
			ServerID:    serverID,
			BaseVersion: op.BaseVersion,
			Payload:     op.Payload,
		}
	}
	return req, nil
}

func (c *Client) sendChunk(ctx context.Context, req *ledgersync.PushRequest) (*ledgersync.PushResponse, error) {
	pushCtx := ctx
	if c.config.PushTimeout > 0 {
		var cancel context.CancelFunc
		pushCtx, cancel = context.WithTimeout(ctx, c.config.PushTimeout)
		defer cancel()
	}
	return c.Transport.Push(pushCtx, req)
}

// handleSendFailure settles a chunk whose outcome is unknown. The server may have
// applied it; resending under the same op ids is safe either way.
func (c *Client) handleSendFailure(ctx context.Context, chunk []Operation, cause error, result *PushResult) error {
	if ctx.Err() != nil {
		// Caller gave up waiting; this attempt is not charged.
		if err := c.requeue(context.WithoutCancel(ctx), chunk); err != nil {
			return err
		}
		return ctx.Err()
	}
	failed, err := c.scheduleRetry(ctx, chunk, cause)
	if err != nil {
		return err
	}
	result.Failed += len(failed)
	for _, op := range failed {
		c.logger.Error("Operation exceeded retry budget", "op_id", op.OpID, "entity_type", op.EntityType,
			"client_id", op.ClientID, "retries", op.RetryCount, "error", op.LastError)
		c.publish(SyncEvent{Type: EventOperationFailed, At: c.now(), OpID: op.OpID,
			EntityType: op.EntityType, ClientID: op.ClientID, Reason: op.LastError})
	}
	c.logger.Warn("Push failed; batch rescheduled", "operations", len(chunk), "error", cause)
	return fmt.Errorf("push failed: %w", cause)
}

// applyResults records server outcomes in one transaction
func (c *Client) applyResults(ctx context.Context, chunk []Operation, results []ledgersync.OperationResult, result *PushResult) error {
	var events []SyncEvent
	now := formatTime(c.now())
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		for i := range chunk {
			op := &chunk[i]
			res := &results[i]
			if res.OpID != op.OpID {
				return fmt.Errorf("result %d is for op %s, expected %s", i, res.OpID, op.OpID)
			}
			var err error
			switch res.Status {
			case ledgersync.StAcknowledged:
				err = c.applyAcknowledged(ctx, tx, op, res, now)
				result.Acknowledged++
			case ledgersync.StConflict:
				err = c.applyConflict(ctx, tx, op, res, now)
				result.Conflicts++
			case ledgersync.StRejected:
				err = c.applyRejected(ctx, tx, op, res)
				result.Rejected++
				events = append(events, SyncEvent{Type: EventOperationRejected, OpID: op.OpID,
					EntityType: op.EntityType, ClientID: op.ClientID, Reason: res.Reason})
			default:
				err = fmt.Errorf("unknown status %q for op %s", res.Status, op.OpID)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		ev.At = c.now()
		c.publish(ev)
	}
	return nil
}

func setOpStatus(ctx context.Context, tx *sql.Tx, opID, status, lastError string) error {
	_, err := tx.ExecContext(ctx, `UPDATE _sync_operations SET status = ?, next_attempt_at = NULL, last_error = ? WHERE op_id = ?`,
		status, nullString(lastError), opID)
	if err != nil {
		return fmt.Errorf("failed to set %s on %s: %w", status, opID, err)
	}
	return nil
}

// cascade settles the entity's later open operations with the same terminal status
func cascade(ctx context.Context, tx *sql.Tx, op *Operation, status string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE _sync_operations SET status = ?, next_attempt_at = NULL, last_error = ?
		WHERE entity_type = ? AND entity_client_id = ? AND seq > ? AND status IN ('queued','failed')`,
		status, "superseded: operation "+op.OpID+" "+status, op.EntityType, op.ClientID, op.Seq)
	if err != nil {
		return fmt.Errorf("failed to cascade %s after %s: %w", status, op.OpID, err)
	}
	return nil
}

func openOperationCount(ctx context.Context, tx *sql.Tx, entityType, clientID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_operations
		WHERE entity_type = ? AND entity_client_id = ? AND status IN ('queued','in_flight','failed')`,
		entityType, clientID).Scan(&n)
	return n, err
}

func (c *Client) applyAcknowledged(ctx context.Context, tx *sql.Tx, op *Operation, res *ledgersync.OperationResult, now string) error {
	if err := setOpStatus(ctx, tx, op.OpID, OpAcknowledged, ""); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_records SET server_id = COALESCE(NULLIF(?, ''), server_id), version = MAX(version, ?)
		WHERE entity_type = ? AND client_id = ?`,
		res.ServerID, res.Version, op.EntityType, op.ClientID); err != nil {
		return fmt.Errorf("failed to store acknowledgment: %w", err)
	}
	open, err := openOperationCount(ctx, tx, op.EntityType, op.ClientID)
	if err != nil {
		return err
	}
	if open == 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_records SET is_dirty = 0, sync_status = 'synced', synced_at = ?
			WHERE entity_type = ? AND client_id = ?`, now, op.EntityType, op.ClientID); err != nil {
			return fmt.Errorf("failed to mark record synced: %w", err)
		}
	}
	return nil
}

// applyConflict drops the local change in favor of the server state the result carries
func (c *Client) applyConflict(ctx context.Context, tx *sql.Tx, op *Operation, res *ledgersync.OperationResult, now string) error {
	info := res.Conflict
	if info == nil {
		info = &ledgersync.ConflictInfo{}
	}
	if err := setOpStatus(ctx, tx, op.OpID, OpConflict, info.ConflictType); err != nil {
		return err
	}
	if err := cascade(ctx, tx, op, OpConflict); err != nil {
		return err
	}

	if info.ServerVersion > 0 {
		var payload sql.NullString
		if len(info.ServerPayload) > 0 {
			payload = sql.NullString{String: string(info.ServerPayload), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_records
			SET server_id = COALESCE(NULLIF(?, ''), server_id), version = ?, payload = COALESCE(?, payload),
			    deleted_at = ?, synced_at = ?
			WHERE entity_type = ? AND client_id = ?`,
			res.ServerID, info.ServerVersion, payload, nullTime(info.DeletedAt), now,
			op.EntityType, op.ClientID); err != nil {
			return fmt.Errorf("failed to apply server state: %w", err)
		}
	}
	open, err := openOperationCount(ctx, tx, op.EntityType, op.ClientID)
	if err != nil {
		return err
	}
	if open == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE _sync_records SET is_dirty = 0, sync_status = 'conflict'
			WHERE entity_type = ? AND client_id = ?`, op.EntityType, op.ClientID); err != nil {
			return fmt.Errorf("failed to flag conflict: %w", err)
		}
	}

	var conflictID sql.NullInt64
	if info.ConflictID > 0 {
		conflictID = sql.NullInt64{Int64: info.ConflictID, Valid: true}
	}
	var local, server sql.NullString
	if len(op.Payload) > 0 {
		local = sql.NullString{String: string(op.Payload), Valid: true}
	}
	if len(info.ServerPayload) > 0 {
		server = sql.NullString{String: string(info.ServerPayload), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_conflicts (op_id, entity_type, client_id, server_id, conflict_id, conflict_type, resolution,
		                             local_payload, server_version, server_payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OpID, op.EntityType, op.ClientID, nullString(res.ServerID), conflictID, info.ConflictType, info.Resolution,
		local, info.ServerVersion, server, now); err != nil {
		return fmt.Errorf("failed to log conflict: %w", err)
	}
	c.logger.Info("Local change lost a conflict", "op_id", op.OpID, "entity_type", op.EntityType,
		"client_id", op.ClientID, "conflict_type", info.ConflictType, "resolution", info.Resolution,
		"server_version", info.ServerVersion)
	return nil
}

func (c *Client) applyRejected(ctx context.Context, tx *sql.Tx, op *Operation, res *ledgersync.OperationResult) error {
	msg := res.Reason
	if res.Message != "" {
		msg += ": " + res.Message
	}
	if err := setOpStatus(ctx, tx, op.OpID, OpRejected, msg); err != nil {
		return err
	}
	if err := cascade(ctx, tx, op, OpRejected); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _sync_records SET is_dirty = 0, sync_status = 'failed'
		WHERE entity_type = ? AND client_id = ?`, op.EntityType, op.ClientID); err != nil {
		return fmt.Errorf("failed to flag rejected record: %w", err)
	}
	c.logger.Warn("Operation rejected by server", "op_id", op.OpID, "entity_type", op.EntityType,
		"client_id", op.ClientID, "reason", res.Reason, "message", res.Message)
	return nil
}

func containsBatchTooLarge(resp *ledgersync.PushResponse) bool {
	for _, r := range resp.Results {
		if r.Status == ledgersync.StRejected && r.Reason == ledgersync.ReasonBatchTooLarge {
			return true
		}
	}
	return false
}
