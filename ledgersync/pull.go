// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// ProcessPull returns records of entityType whose latest mutation cursor is greater than
// since, in cursor order. Soft-deleted records are included so devices can apply the
// deletion. Every record is returned in its current (resolved) state.
func (s *SyncService) ProcessPull(ctx context.Context, userID, deviceID, entityType string, since int64, limit int) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if !s.IsEntityRegistered(entityType) {
		return nil, fmt.Errorf("%w: %q", ErrUnregisteredEntityType, entityType)
	}
	if since < 0 {
		return nil, fmt.Errorf("%w: since must be >= 0", ErrBadPayload)
	}
	if limit <= 0 {
		limit = defaultPullLimit
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	total := s.startStage(MetricsOpPull, MetricsStageTotal)
	resp := &PullResponse{Records: []RecordDelta{}, NextCursor: since}
	err := s.runTx(ctx, MetricsOpPull, func(tx pgx.Tx) error {
		fetch := s.startStage(MetricsOpPull, MetricsStagePullFetch)
		rows, err := tx.Query(ctx, `SELECT `+recordColumns+`
			FROM sync.records
			WHERE user_id = $1 AND entity_type = $2 AND change_seq > $3
			ORDER BY change_seq
			LIMIT $4`, userID, entityType, since, limit+1)
		if err != nil {
			fetch.done(ctx, 0, 0, err)
			return fmt.Errorf("pull query: %w", err)
		}
		records := make([]RecordDelta, 0, limit)
		hasMore := false
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan pulled record: %w", err)
			}
			if len(records) == limit {
				hasMore = true
				continue
			}
			records = append(records, rec.ToRecordDelta())
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			fetch.done(ctx, len(records), 0, err)
			return fmt.Errorf("iterate pulled records: %w", err)
		}
		fetch.done(ctx, len(records), 0, nil)

		next := since
		if len(records) > 0 {
			next = records[len(records)-1].Cursor
		}

		if err := s.recordServedCursor(ctx, tx, userID, deviceID, entityType, next); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, &AuditEntry{
			UserID:     userID,
			DeviceID:   deviceID,
			EntityType: entityType,
			Action:     AuditPull,
			Outcome:    "served:" + strconv.Itoa(len(records)) + ":" + strconv.FormatInt(since, 10) + "-" + strconv.FormatInt(next, 10),
		}); err != nil {
			return err
		}

		resp = &PullResponse{Records: records, NextCursor: next, HasMore: hasMore}
		return nil
	})
	total.done(ctx, len(resp.Records), 0, err)
	if err != nil {
		return nil, fmt.Errorf("failed to process pull: %w", err)
	}
	return resp, nil
}
