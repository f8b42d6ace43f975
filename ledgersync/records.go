// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

const recordColumns = `user_id, entity_type, id::text, client_id::text, version, payload, deleted_at, change_seq, updated_at`

func scanRecord(row pgx.Row) (*RecordEntity, error) {
	var r RecordEntity
	var payload []byte
	if err := row.Scan(&r.UserID, &r.EntityType, &r.ID, &r.ClientID, &r.Version, &payload, &r.DeletedAt, &r.ChangeSeq, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Payload = json.RawMessage(payload)
	return &r, nil
}

// lockChangeStream serializes cursor assignment per (user, entity type) until commit,
// so a puller never observes a later change_seq before an earlier one is committed.
// Keys are locked in sorted order to keep concurrent batches deadlock-free.
func lockChangeStream(ctx context.Context, tx pgx.Tx, userID string, entityTypes ...string) error {
	keys := make([]string, 0, len(entityTypes))
	seen := make(map[string]bool, len(entityTypes))
	for _, et := range entityTypes {
		if seen[et] {
			continue
		}
		seen[et] = true
		keys = append(keys, userID+"/"+et)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, k); err != nil {
			return fmt.Errorf("lock change stream %s: %w", k, err)
		}
	}
	return nil
}

// lockRecord loads and row-locks a record by server id, or by client id when serverID is empty.
// Returns nil when the record does not exist.
func lockRecord(ctx context.Context, tx pgx.Tx, userID, entityType, serverID, clientID string) (*RecordEntity, error) {
	var row pgx.Row
	if serverID != "" {
		row = tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM sync.records
			WHERE user_id = $1 AND entity_type = $2 AND id = $3::uuid FOR UPDATE`, userID, entityType, serverID)
	} else {
		row = tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM sync.records
			WHERE user_id = $1 AND entity_type = $2 AND client_id = $3::uuid FOR UPDATE`, userID, entityType, clientID)
	}
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s record: %w", entityType, err)
	}
	return rec, nil
}

// insertRecord creates version 1 of a record. created is false when the client id
// already exists; rec then holds the existing row.
func insertRecord(ctx context.Context, tx pgx.Tx, userID, entityType, serverID, clientID string, payload json.RawMessage, now time.Time) (rec *RecordEntity, created bool, err error) {
	rec, err = scanRecord(tx.QueryRow(ctx, `
		INSERT INTO sync.records (user_id, entity_type, id, client_id, version, payload, change_seq, created_at, updated_at)
		VALUES ($1, $2, $3::uuid, $4::uuid, 1, $5::json, nextval('sync.change_seq'), $6, $6)
		ON CONFLICT (user_id, entity_type, client_id) DO NOTHING
		RETURNING `+recordColumns,
		userID, entityType, serverID, clientID, string(payload), now))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert %s record: %w", entityType, err)
	}
	rec, err = lockRecord(ctx, tx, userID, entityType, "", clientID)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, fmt.Errorf("insert %s record: client id %s neither inserted nor found", entityType, clientID)
	}
	return rec, false, nil
}

// updateRecord writes a new payload as version+1 guarded by the expected version.
// A non-nil deletedAt soft-deletes the record; payload nil keeps the stored payload.
func updateRecord(ctx context.Context, tx pgx.Tx, cur *RecordEntity, expected int64, payload json.RawMessage, deletedAt *time.Time, now time.Time) (*RecordEntity, error) {
	var payloadArg any
	if len(payload) > 0 {
		payloadArg = string(payload)
	}
	rec, err := scanRecord(tx.QueryRow(ctx, `
		UPDATE sync.records
		SET version    = version + 1,
		    payload    = COALESCE($5::json, payload),
		    deleted_at = $6,
		    change_seq = nextval('sync.change_seq'),
		    updated_at = $7
		WHERE user_id = $1 AND entity_type = $2 AND id = $3::uuid AND version = $4
		RETURNING `+recordColumns,
		cur.UserID, cur.EntityType, cur.ID, expected, payloadArg, deletedAt, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update %s/%s: version moved past %d under row lock", cur.EntityType, cur.ID, expected)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", cur.EntityType, cur.ID, err)
	}
	return rec, nil
}
