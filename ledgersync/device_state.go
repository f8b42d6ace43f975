// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// recordServedCursor remembers the furthest cursor served to a device. It never moves back.
func (s *SyncService) recordServedCursor(ctx context.Context, tx pgx.Tx, userID, deviceID, entityType string, cursor int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sync.device_sync_state (user_id, device_id, entity_type, last_served_cursor, last_pull_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, device_id, entity_type) DO UPDATE
		SET last_served_cursor = GREATEST(sync.device_sync_state.last_served_cursor, EXCLUDED.last_served_cursor),
		    last_pull_at       = EXCLUDED.last_pull_at`,
		userID, deviceID, entityType, cursor, s.now())
	if err != nil {
		return fmt.Errorf("record device cursor: %w", err)
	}
	return nil
}

// ListDeviceStates returns the server's view of each device's pull progress for a user
func (s *SyncService) ListDeviceStates(ctx context.Context, userID string) ([]DeviceSyncStateEntity, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, device_id, entity_type, last_served_cursor, last_pull_at
		FROM sync.device_sync_state
		WHERE user_id = $1
		ORDER BY device_id, entity_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("list device states: %w", err)
	}
	defer rows.Close()
	var out []DeviceSyncStateEntity
	for rows.Next() {
		var st DeviceSyncStateEntity
		if err := rows.Scan(&st.UserID, &st.DeviceID, &st.EntityType, &st.LastServedCursor, &st.LastPullAt); err != nil {
			return nil, fmt.Errorf("scan device state: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device states: %w", err)
	}
	return out, nil
}
