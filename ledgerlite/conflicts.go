// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgerlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// LocalConflict is a local change the server refused in favor of its own state
type LocalConflict struct {
	ID            int64           `json:"id"`
	OpID          string          `json:"opId"`
	EntityType    string          `json:"entityType"`
	ClientID      string          `json:"clientId"`
	ServerID      string          `json:"serverId,omitempty"`
	ConflictID    int64           `json:"conflictId,omitempty"`
	ConflictType  string          `json:"conflictType"`
	Resolution    string          `json:"resolution"`
	LocalPayload  json.RawMessage `json:"localPayload,omitempty"`
	ServerVersion int64           `json:"serverVersion"`
	ServerPayload json.RawMessage `json:"serverPayload,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ListConflicts returns conflicts recorded on this device, newest first.
// An empty entityType lists all types.
func (c *Client) ListConflicts(ctx context.Context, entityType string) ([]LocalConflict, error) {
	query := `SELECT id, op_id, entity_type, client_id, server_id, conflict_id, conflict_type, resolution,
		local_payload, server_version, server_payload, created_at FROM _sync_conflicts`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, entityType)
	}
	rows, err := c.DB.QueryContext(ctx, query+` ORDER BY id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []LocalConflict
	for rows.Next() {
		var (
			lc                    LocalConflict
			serverID              sql.NullString
			conflictID            sql.NullInt64
			localPayload, payload sql.NullString
			created               string
		)
		if err := rows.Scan(&lc.ID, &lc.OpID, &lc.EntityType, &lc.ClientID, &serverID, &conflictID, &lc.ConflictType,
			&lc.Resolution, &localPayload, &lc.ServerVersion, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		lc.ServerID = serverID.String
		lc.ConflictID = conflictID.Int64
		if localPayload.Valid {
			lc.LocalPayload = json.RawMessage(localPayload.String)
		}
		if payload.Valid {
			lc.ServerPayload = json.RawMessage(payload.String)
		}
		if lc.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}
