// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgerlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Operation statuses in the mutation log
const (
	OpQueued       = "queued"
	OpInFlight     = "in_flight"
	OpAcknowledged = "acknowledged"
	OpConflict     = "conflict"
	OpRejected     = "rejected"
	OpFailed       = "failed"
)

// Operation is one entry of the device mutation log
type Operation struct {
	Seq             int64           `json:"seq"`
	OpID            string          `json:"opId"`
	EntityType      string          `json:"entityType"`
	ClientID        string          `json:"clientId"`
	ServerID        string          `json:"serverId,omitempty"`
	Operation       string          `json:"operation"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	BaseVersion     int64           `json:"baseVersion,omitempty"`
	Status          string          `json:"status"`
	RetryCount      int             `json:"retryCount"`
	LastAttemptedAt *time.Time      `json:"lastAttemptedAt,omitempty"`
	NextAttemptAt   *time.Time      `json:"nextAttemptAt,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func (o *Operation) entityKey() string {
	return o.EntityType + "/" + o.ClientID
}

const operationColumns = `seq, op_id, entity_type, entity_client_id, server_id, operation, payload, base_version,
	status, retry_count, last_attempted_at, next_attempt_at, last_error, created_at`

func scanOperation(row rowScanner) (*Operation, error) {
	var (
		o                        Operation
		serverID, payload, lastE sql.NullString
		base                     sql.NullInt64
		attempted, next          sql.NullString
		created                  string
	)
	if err := row.Scan(&o.Seq, &o.OpID, &o.EntityType, &o.ClientID, &serverID, &o.Operation, &payload, &base,
		&o.Status, &o.RetryCount, &attempted, &next, &lastE, &created); err != nil {
		return nil, err
	}
	o.ServerID = serverID.String
	if payload.Valid {
		o.Payload = json.RawMessage(payload.String)
	}
	o.BaseVersion = base.Int64
	o.LastError = lastE.String
	var err error
	if o.LastAttemptedAt, err = parseNullTime(attempted); err != nil {
		return nil, err
	}
	if o.NextAttemptAt, err = parseNullTime(next); err != nil {
		return nil, err
	}
	if o.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &o, nil
}

func collectOperations(rows *sql.Rows) ([]Operation, error) {
	defer rows.Close()
	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		out = append(out, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return out, nil
}

// Drain returns up to limit operations ready to push, FIFO per entity. An entity whose
// earliest open operation is in flight, failed or waiting out its backoff holds back all
// of its later operations. An empty entityType drains every type.
func (c *Client) Drain(ctx context.Context, entityType string, limit int) ([]Operation, error) {
	return c.drain(ctx, c.DB, entityType, limit)
}

func (c *Client) drain(ctx context.Context, q queryer, entityType string, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = c.config.PushBatchSize
	}
	query := `SELECT ` + operationColumns + ` FROM _sync_operations WHERE status IN ('queued','in_flight','failed')`
	args := []any{}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	open, err := collectOperations(rows)
	if err != nil {
		return nil, err
	}

	now := c.now()
	blocked := make(map[string]bool)
	var out []Operation
	for _, op := range open {
		key := op.entityKey()
		if blocked[key] {
			continue
		}
		if op.Status != OpQueued || (op.NextAttemptAt != nil && op.NextAttemptAt.After(now)) {
			blocked[key] = true
			continue
		}
		out = append(out, op)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// markInFlight durably flags ops as sent before the network call and returns the
// ones it flagged. An op settled since it was drained, such as one superseded by an
// earlier conflict, is left out and must not be sent.
func (c *Client) markInFlight(ctx context.Context, ops []Operation) ([]Operation, error) {
	now := formatTime(c.now())
	var flagged []Operation
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			res, err := tx.ExecContext(ctx, `
				UPDATE _sync_operations SET status = 'in_flight', last_attempted_at = ?
				WHERE op_id = ? AND status = 'queued'`, now, op.OpID)
			if err != nil {
				return fmt.Errorf("failed to mark %s in flight: %w", op.OpID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to mark %s in flight: %w", op.OpID, err)
			}
			if n == 1 {
				flagged = append(flagged, op)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flagged, nil
}

// requeue returns in-flight ops to the queue without charging a retry
func (c *Client) requeue(ctx context.Context, ops []Operation) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			if _, err := tx.ExecContext(ctx, `
				UPDATE _sync_operations SET status = 'queued'
				WHERE op_id = ? AND status = 'in_flight'`, op.OpID); err != nil {
				return fmt.Errorf("failed to requeue %s: %w", op.OpID, err)
			}
		}
		return nil
	})
}

// scheduleRetry charges one attempt to each op. Ops out of retries become failed
// and are returned.
func (c *Client) scheduleRetry(ctx context.Context, ops []Operation, cause error) ([]Operation, error) {
	now := c.now()
	var failed []Operation
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			attempts := op.RetryCount + 1
			if c.config.MaxRetries > 0 && attempts >= c.config.MaxRetries {
				if _, err := tx.ExecContext(ctx, `
					UPDATE _sync_operations SET status = 'failed', retry_count = ?, next_attempt_at = NULL, last_error = ?
					WHERE op_id = ?`, attempts, cause.Error(), op.OpID); err != nil {
					return fmt.Errorf("failed to mark %s failed: %w", op.OpID, err)
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE _sync_records SET sync_status = 'failed' WHERE entity_type = ? AND client_id = ?`,
					op.EntityType, op.ClientID); err != nil {
					return fmt.Errorf("failed to flag record: %w", err)
				}
				op.Status = OpFailed
				op.RetryCount = attempts
				op.LastError = cause.Error()
				failed = append(failed, op)
				continue
			}
			next := now.Add(c.backoffFor(attempts))
			if _, err := tx.ExecContext(ctx, `
				UPDATE _sync_operations SET status = 'queued', retry_count = ?, next_attempt_at = ?, last_error = ?
				WHERE op_id = ?`, attempts, formatTime(next), cause.Error(), op.OpID); err != nil {
				return fmt.Errorf("failed to reschedule %s: %w", op.OpID, err)
			}
		}
		return nil
	})
	return failed, err
}

// backoffFor returns the delay before attempt n+1
func (c *Client) backoffFor(attempt int) time.Duration {
	if c.config.BackoffMin <= 0 {
		return 0
	}
	var b retry.Backoff = retry.NewExponential(c.config.BackoffMin)
	if c.config.BackoffMax > 0 {
		b = retry.WithCappedDuration(c.config.BackoffMax, b)
	}
	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// recoverInFlight requeues ops whose outcome was lost in a crash. The server
// journal makes resending them safe.
func (c *Client) recoverInFlight(ctx context.Context) (int64, error) {
	res, err := c.DB.ExecContext(ctx, `UPDATE _sync_operations SET status = 'queued' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight operations: %w", err)
	}
	return res.RowsAffected()
}

// ListOperations returns log entries, optionally for one entity, in FIFO order
func (c *Client) ListOperations(ctx context.Context, entityType, clientID string) ([]Operation, error) {
	var where []string
	var args []any
	if entityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, entityType)
	}
	if clientID != "" {
		where = append(where, "entity_client_id = ?")
		args = append(args, clientID)
	}
	query := `SELECT ` + operationColumns + ` FROM _sync_operations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := c.DB.QueryContext(ctx, query+" ORDER BY seq", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return collectOperations(rows)
}

// GetOperation returns one log entry by op id
func (c *Client) GetOperation(ctx context.Context, opID string) (*Operation, error) {
	op, err := scanOperation(c.DB.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM _sync_operations WHERE op_id = ?`, opID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, opID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read operation: %w", err)
	}
	return op, nil
}

// ListFailed returns operations that exhausted their retries
func (c *Client) ListFailed(ctx context.Context) ([]Operation, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT `+operationColumns+` FROM _sync_operations
		WHERE status = 'failed' ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed operations: %w", err)
	}
	return collectOperations(rows)
}

// RetryFailed puts a failed operation back in the queue with a fresh retry budget.
// The op id is unchanged, so a copy the server already applied is recognized.
func (c *Client) RetryFailed(ctx context.Context, opID string) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		var entityType, clientID string
		err := tx.QueryRowContext(ctx, `SELECT entity_type, entity_client_id FROM _sync_operations
			WHERE op_id = ? AND status = 'failed'`, opID).Scan(&entityType, &clientID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: no failed operation %s", ErrOperationNotFound, opID)
		}
		if err != nil {
			return fmt.Errorf("failed to read operation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_operations SET status = 'queued', retry_count = 0, next_attempt_at = NULL
			WHERE op_id = ?`, opID); err != nil {
			return fmt.Errorf("failed to requeue %s: %w", opID, err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE _sync_records SET sync_status = 'pending', is_dirty = 1
			WHERE entity_type = ? AND client_id = ?`, entityType, clientID)
		return err
	})
}

// PurgeArchived deletes terminal operations created before cutoff and returns how many
func (c *Client) PurgeArchived(ctx context.Context, cutoff time.Time) (int64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	res, err := c.DB.ExecContext(ctx, `
		DELETE FROM _sync_operations
		WHERE status IN ('acknowledged','conflict','rejected') AND created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge operations: %w", err)
	}
	return res.RowsAffected()
}
