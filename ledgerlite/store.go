// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgerlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

// Local record sync statuses
const (
	StatusSynced   = "synced"
	StatusPending  = "pending"
	StatusFailed   = "failed"
	StatusConflict = "conflict"
)

// Record is the device copy of a versioned ledger entity
type Record struct {
	EntityType string          `json:"entityType"`
	ClientID   string          `json:"clientId"`
	ServerID   string          `json:"serverId,omitempty"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	IsDirty    bool            `json:"isDirty"`
	SyncStatus string          `json:"syncStatus"`
	SyncedAt   *time.Time      `json:"syncedAt,omitempty"`
	DeletedAt  *time.Time      `json:"deletedAt,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// EnqueueRequest describes a mutation to append to the log.
// BaseVersion 0 on update/delete means "predict from local state".
type EnqueueRequest struct {
	EntityType  string
	ClientID    string
	ServerID    string
	Operation   string
	Payload     json.RawMessage
	BaseVersion int64
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Enqueue appends an operation inside the caller's transaction, so the business write
// and its log entry commit or roll back together. Returns the new op id.
func (c *Client) Enqueue(ctx context.Context, tx *sql.Tx, req EnqueueRequest) (string, error) {
	if err := c.checkEntityType(req.EntityType); err != nil {
		return "", err
	}
	if _, err := uuid.Parse(req.ClientID); err != nil {
		return "", fmt.Errorf("invalid client id %q: %w", req.ClientID, err)
	}

	base := req.BaseVersion
	switch req.Operation {
	case ledgersync.OpCreate:
		base = 0
	case ledgersync.OpUpdate, ledgersync.OpDelete:
		if base == 0 {
			predicted, err := predictBaseVersion(ctx, tx, req.EntityType, req.ClientID)
			if err != nil {
				return "", err
			}
			base = predicted
		}
	default:
		return "", fmt.Errorf("unknown operation %q", req.Operation)
	}

	var payload sql.NullString
	if req.Operation != ledgersync.OpDelete {
		if err := checkPayload(req.Payload); err != nil {
			return "", err
		}
		payload = sql.NullString{String: string(req.Payload), Valid: true}
	}
	var baseVersion sql.NullInt64
	if base > 0 {
		baseVersion = sql.NullInt64{Int64: base, Valid: true}
	}

	opID := uuid.NewString()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_operations (op_id, entity_type, entity_client_id, server_id, operation, payload, base_version, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?)`,
		opID, req.EntityType, req.ClientID, nullString(req.ServerID), req.Operation, payload, baseVersion, formatTime(c.now()))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s %s/%s: %w", req.Operation, req.EntityType, req.ClientID, err)
	}
	return opID, nil
}

// predictBaseVersion returns the version the server will hold once every operation
// already queued for the entity is acknowledged. The latest open update or delete
// decides it; the local version may already include that op's own change, pulled
// before its reply came back.
func predictBaseVersion(ctx context.Context, q queryer, entityType, clientID string) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, `SELECT version FROM _sync_records WHERE entity_type = ? AND client_id = ?`,
		entityType, clientID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entityType, clientID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read version: %w", err)
	}
	var last sql.NullInt64
	err = q.QueryRowContext(ctx, `
		SELECT base_version FROM _sync_operations
		WHERE entity_type = ? AND entity_client_id = ? AND operation != 'create'
		  AND status IN ('queued','in_flight','failed')
		ORDER BY seq DESC LIMIT 1`,
		entityType, clientID).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("failed to read pending operations: %w", err)
	case last.Valid && last.Int64 > 0:
		return last.Int64 + 1, nil
	}
	if version < 1 {
		version = 1
	}
	return version, nil
}

func checkPayload(payload json.RawMessage) error {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return ErrInvalidPayload
	}
	return nil
}

// Create stores a new record (version 1, dirty) and queues its create operation
func (c *Client) Create(ctx context.Context, entityType string, payload json.RawMessage) (clientID, opID string, err error) {
	if err := c.checkEntityType(entityType); err != nil {
		return "", "", err
	}
	if err := checkPayload(payload); err != nil {
		return "", "", err
	}
	clientID = uuid.NewString()
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_records (entity_type, client_id, version, payload, is_dirty, sync_status, updated_at)
			VALUES (?, ?, 1, ?, 1, 'pending', ?)`,
			entityType, clientID, string(payload), formatTime(c.now())); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		opID, err = c.Enqueue(ctx, tx, EnqueueRequest{
			EntityType: entityType,
			ClientID:   clientID,
			Operation:  ledgersync.OpCreate,
			Payload:    payload,
		})
		return err
	})
	if err != nil {
		return "", "", err
	}
	return clientID, opID, nil
}

// Update replaces a record's payload locally and queues an update operation
func (c *Client) Update(ctx context.Context, entityType, clientID string, payload json.RawMessage) (string, error) {
	if err := checkPayload(payload); err != nil {
		return "", err
	}
	return c.mutate(ctx, entityType, clientID, ledgersync.OpUpdate, func(tx *sql.Tx, now string) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE _sync_records SET payload = ?, is_dirty = 1, sync_status = 'pending', updated_at = ?
			WHERE entity_type = ? AND client_id = ?`,
			string(payload), now, entityType, clientID)
		return err
	}, payload)
}

// Delete soft-deletes a record locally and queues a delete operation
func (c *Client) Delete(ctx context.Context, entityType, clientID string) (string, error) {
	return c.mutate(ctx, entityType, clientID, ledgersync.OpDelete, func(tx *sql.Tx, now string) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE _sync_records SET deleted_at = ?, is_dirty = 1, sync_status = 'pending', updated_at = ?
			WHERE entity_type = ? AND client_id = ?`,
			now, now, entityType, clientID)
		return err
	}, nil)
}

func (c *Client) mutate(ctx context.Context, entityType, clientID, operation string, write func(tx *sql.Tx, now string) error, payload json.RawMessage) (string, error) {
	if err := c.checkEntityType(entityType); err != nil {
		return "", err
	}
	var opID string
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, entityType, clientID)
		if err != nil {
			return err
		}
		if rec.DeletedAt != nil {
			return fmt.Errorf("%w: %s/%s is deleted", ErrRecordNotFound, entityType, clientID)
		}
		if err := write(tx, formatTime(c.now())); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		opID, err = c.Enqueue(ctx, tx, EnqueueRequest{
			EntityType: entityType,
			ClientID:   clientID,
			ServerID:   rec.ServerID,
			Operation:  operation,
			Payload:    payload,
		})
		return err
	})
	return opID, err
}

// Get returns a record by client id, including soft-deleted records
func (c *Client) Get(ctx context.Context, entityType, clientID string) (*Record, error) {
	return getRecord(ctx, c.DB, entityType, clientID)
}

// List returns the live (not deleted) records of an entity type
func (c *Client) List(ctx context.Context, entityType string) ([]Record, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM _sync_records
		WHERE entity_type = ? AND deleted_at IS NULL
		ORDER BY updated_at, client_id`, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

const recordColumns = `entity_type, client_id, server_id, version, payload, is_dirty, sync_status, synced_at, deleted_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                   Record
		serverID, payload   sql.NullString
		syncedAt, deletedAt sql.NullString
		updatedAt           string
	)
	if err := row.Scan(&r.EntityType, &r.ClientID, &serverID, &r.Version, &payload, &r.IsDirty,
		&r.SyncStatus, &syncedAt, &deletedAt, &updatedAt); err != nil {
		return nil, err
	}
	r.ServerID = serverID.String
	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	var err error
	if r.SyncedAt, err = parseNullTime(syncedAt); err != nil {
		return nil, fmt.Errorf("bad synced_at: %w", err)
	}
	if r.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, fmt.Errorf("bad deleted_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at: %w", err)
	}
	return &r, nil
}

func getRecord(ctx context.Context, q queryer, entityType, clientID string) (*Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM _sync_records
		WHERE entity_type = ? AND client_id = ?`, entityType, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, entityType, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return rec, nil
}

// inTx runs fn in a SQLite transaction, committing on nil error
func (c *Client) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
