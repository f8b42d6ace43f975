// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgerlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CursorFullResync makes the next pull start from the beginning of the stream
const CursorFullResync int64 = 0

// SyncState is the pull progress of one entity type on this device
type SyncState struct {
	EntityType     string    `json:"entityType"`
	LastSyncCursor int64     `json:"lastSyncCursor"`
	LastSyncAt     time.Time `json:"lastSyncAt"`
}

// GetCursor returns the last applied pull cursor, 0 if the type was never pulled
func (c *Client) GetCursor(ctx context.Context, entityType string) (int64, error) {
	return getCursor(ctx, c.DB, c.UserID, c.DeviceID, entityType)
}

func getCursor(ctx context.Context, q queryer, userID, deviceID, entityType string) (int64, error) {
	var cursor int64
	err := q.QueryRowContext(ctx, `SELECT last_sync_cursor FROM _sync_state
		WHERE user_id = ? AND device_id = ? AND entity_type = ?`, userID, deviceID, entityType).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return CursorFullResync, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return cursor, nil
}

// AdvanceCursor stores cursor if it is ahead of the stored one. It never moves backwards.
func (c *Client) AdvanceCursor(ctx context.Context, entityType string, cursor int64) error {
	return advanceCursor(ctx, c.DB, c.UserID, c.DeviceID, entityType, cursor, c.now())
}

func advanceCursor(ctx context.Context, q queryer, userID, deviceID, entityType string, cursor int64, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO _sync_state (user_id, device_id, entity_type, last_sync_cursor, last_sync_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id, entity_type) DO UPDATE
		SET last_sync_cursor = MAX(last_sync_cursor, excluded.last_sync_cursor),
		    last_sync_at = excluded.last_sync_at`,
		userID, deviceID, entityType, cursor, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

// ResetCursor forces a full resync of entityType on the next pull
func (c *Client) ResetCursor(ctx context.Context, entityType string) error {
	if err := c.checkEntityType(entityType); err != nil {
		return err
	}
	_, err := c.DB.ExecContext(ctx, `UPDATE _sync_state SET last_sync_cursor = ?
		WHERE user_id = ? AND device_id = ? AND entity_type = ?`, CursorFullResync, c.UserID, c.DeviceID, entityType)
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

// SyncStates lists pull progress for every entity type pulled so far
func (c *Client) SyncStates(ctx context.Context) ([]SyncState, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT entity_type, last_sync_cursor, last_sync_at FROM _sync_state
		WHERE user_id = ? AND device_id = ? ORDER BY entity_type`, c.UserID, c.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync state: %w", err)
	}
	defer rows.Close()
	var out []SyncState
	for rows.Next() {
		var s SyncState
		var at string
		if err := rows.Scan(&s.EntityType, &s.LastSyncCursor, &at); err != nil {
			return nil, err
		}
		if s.LastSyncAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
