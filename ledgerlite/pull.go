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

// PullResult summarizes the pages pulled for one entity type
type PullResult struct {
	EntityType string `json:"entityType"`
	Pages      int    `json:"pages"`
	Applied    int    `json:"applied"`
	Skipped    int    `json:"skipped"`
	Cursor     int64  `json:"cursor"`
}

// Pull fetches every change of entityType after the stored cursor. Each page is applied
// together with its cursor in one transaction, so an interrupted pull resumes without
// gaps or double application.
func (c *Client) Pull(ctx context.Context, entityType string) (PullResult, error) {
	result := PullResult{EntityType: entityType}
	if err := c.checkEntityType(entityType); err != nil {
		return result, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	since, err := c.GetCursor(ctx, entityType)
	if err != nil {
		return result, err
	}
	result.Cursor = since

	for {
		resp, err := c.fetchPage(ctx, entityType, since)
		if err != nil {
			return result, err
		}
		if resp.NextCursor < since {
			return result, fmt.Errorf("server cursor for %s moved backwards: %d < %d", entityType, resp.NextCursor, since)
		}
		if resp.HasMore && resp.NextCursor == since {
			return result, fmt.Errorf("server reported more %s changes without advancing cursor %d", entityType, since)
		}

		applied, skipped, err := c.applyPage(ctx, entityType, resp)
		if err != nil {
			return result, fmt.Errorf("failed to apply %s page after %d: %w", entityType, since, err)
		}
		result.Pages++
		result.Applied += applied
		result.Skipped += skipped
		result.Cursor = resp.NextCursor
		since = resp.NextCursor

		if !resp.HasMore {
			c.logger.Debug("Pull complete", "entity_type", entityType, "pages", result.Pages,
				"applied", result.Applied, "skipped", result.Skipped, "cursor", result.Cursor)
			return result, nil
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, entityType string, since int64) (*ledgersync.PullResponse, error) {
	pullCtx := ctx
	if c.config.PullTimeout > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, c.config.PullTimeout)
		defer cancel()
	}
	resp, err := c.Transport.Pull(pullCtx, entityType, since, c.config.PullLimit)
	if err != nil {
		return nil, fmt.Errorf("pull %s after %d failed: %w", entityType, since, err)
	}
	return resp, nil
}

// PullAll pulls every configured entity type in configuration order, stopping at the first error
func (c *Client) PullAll(ctx context.Context) ([]PullResult, error) {
	results := make([]PullResult, 0, len(c.config.EntityTypes))
	for _, et := range c.config.EntityTypes {
		res, err := c.Pull(ctx, et)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// applyPage writes the page's deltas and advances the cursor atomically.
// A delta not newer than the local copy is skipped; replaying a page is harmless.
func (c *Client) applyPage(ctx context.Context, entityType string, resp *ledgersync.PullResponse) (applied, skipped int, err error) {
	now := c.now()
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		for i := range resp.Records {
			d := &resp.Records[i]
			if d.EntityType != "" && d.EntityType != entityType {
				return fmt.Errorf("delta %s has entity type %q", d.ID, d.EntityType)
			}
			ok, err := c.applyDelta(ctx, tx, entityType, d, formatTime(now))
			if err != nil {
				return err
			}
			if ok {
				applied++
			} else {
				skipped++
			}
		}
		return advanceCursor(ctx, tx, c.UserID, c.DeviceID, entityType, resp.NextCursor, now)
	})
	if err != nil {
		return 0, 0, err
	}
	return applied, skipped, nil
}

func (c *Client) applyDelta(ctx context.Context, tx *sql.Tx, entityType string, d *ledgersync.RecordDelta, now string) (bool, error) {
	clientID := d.ClientID
	local, err := getRecord(ctx, tx, entityType, clientID)
	if errors.Is(err, ErrRecordNotFound) && d.ID != "" {
		// Matched by server id when the client id is unknown here
		var byServer string
		lookupErr := tx.QueryRowContext(ctx, `SELECT client_id FROM _sync_records WHERE entity_type = ? AND server_id = ?`,
			entityType, d.ID).Scan(&byServer)
		if lookupErr == nil {
			clientID = byServer
			local, err = getRecord(ctx, tx, entityType, clientID)
		} else if !errors.Is(lookupErr, sql.ErrNoRows) {
			return false, fmt.Errorf("failed to look up server id: %w", lookupErr)
		}
	}

	var payload sql.NullString
	if len(d.Payload) > 0 && string(d.Payload) != "null" {
		payload = sql.NullString{String: string(d.Payload), Valid: true}
	}

	if errors.Is(err, ErrRecordNotFound) {
		if clientID == "" {
			clientID = d.ID
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_records (entity_type, client_id, server_id, version, payload, is_dirty, sync_status, synced_at, deleted_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, 'synced', ?, ?, ?)`,
			entityType, clientID, nullString(d.ID), d.Version, payload, now, nullTime(d.DeletedAt), formatTime(d.UpdatedAt))
		if err != nil {
			return false, fmt.Errorf("failed to insert pulled record: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if d.Version <= local.Version {
		if local.ServerID == "" && d.ID != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE _sync_records SET server_id = ? WHERE entity_type = ? AND client_id = ?`,
				d.ID, entityType, clientID); err != nil {
				return false, fmt.Errorf("failed to store server id: %w", err)
			}
		}
		return false, nil
	}

	var open int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_operations
		WHERE entity_type = ? AND entity_client_id = ? AND status IN ('queued','in_flight','failed')`,
		entityType, clientID).Scan(&open); err != nil {
		return false, fmt.Errorf("failed to count open operations: %w", err)
	}

	// Local edits still in the log keep the record pending; the push settles them.
	if open > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE _sync_records SET server_id = COALESCE(NULLIF(?, ''), server_id), version = ?,
			    payload = COALESCE(?, payload), deleted_at = ?, synced_at = ?
			WHERE entity_type = ? AND client_id = ?`,
			d.ID, d.Version, payload, nullTime(d.DeletedAt), now, entityType, clientID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE _sync_records SET server_id = COALESCE(NULLIF(?, ''), server_id), version = ?,
			    payload = COALESCE(?, payload), deleted_at = ?, is_dirty = 0, sync_status = 'synced',
			    synced_at = ?, updated_at = ?
			WHERE entity_type = ? AND client_id = ?`,
			d.ID, d.Version, payload, nullTime(d.DeletedAt), now, formatTime(d.UpdatedAt), entityType, clientID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to apply pulled record: %w", err)
	}
	return true, nil
}
