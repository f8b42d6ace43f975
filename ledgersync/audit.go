// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrChecksumMismatch signals an audit entry whose stored checksum no longer matches its content
var ErrChecksumMismatch = errors.New("audit checksum mismatch")

// auditDomain separates audit checksums from any other SHA-256 use of the same bytes
const auditDomain = "ledgersync/audit/v1"

// AuditReport summarizes a verification pass over the audit log
type AuditReport struct {
	Checked    int     `json:"checked"`
	LastID     int64   `json:"lastId"`
	Mismatches []int64 `json:"mismatches,omitempty"`
}

// computeAuditChecksum hashes the entry content as
// SHA256(domain || 0x00 || field || 0x00 || field ...).
func computeAuditChecksum(e *AuditEntry) string {
	h := sha256.New()
	h.Write([]byte(auditDomain))
	fields := [][]byte{
		[]byte(e.UserID),
		[]byte(e.DeviceID),
		[]byte(e.EntityType),
		[]byte(e.EntityID),
		[]byte(e.OpID),
		[]byte(e.Action),
		[]byte(e.Outcome),
		e.Before,
		e.After,
		[]byte(strconv.FormatInt(e.CreatedAt.UTC().UnixMicro(), 10)),
	}
	for _, f := range fields {
		h.Write([]byte{0})
		h.Write(f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// appendAudit stamps, checksums and inserts an audit entry inside tx
func (s *SyncService) appendAudit(ctx context.Context, tx pgx.Tx, e *AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	} else {
		e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	}
	e.Checksum = computeAuditChecksum(e)
	err := tx.QueryRow(ctx, `
		INSERT INTO sync.audit_log (user_id, device_id, entity_type, entity_id, op_id, action, outcome,
		                            before_state, after_state, checksum, created_at)
		VALUES (@user_id, @device_id, @entity_type, @entity_id, @op_id, @action, @outcome,
		        @before::json, @after::json, @checksum, @created_at)
		RETURNING id`,
		pgx.NamedArgs{
			"user_id":     e.UserID,
			"device_id":   e.DeviceID,
			"entity_type": e.EntityType,
			"entity_id":   e.EntityID,
			"op_id":       e.OpID,
			"action":      e.Action,
			"outcome":     e.Outcome,
			"before":      nullableJSON(e.Before),
			"after":       nullableJSON(e.After),
			"checksum":    e.Checksum,
			"created_at":  e.CreatedAt,
		},
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries for a user, newest first, optionally filtered by entity
func (s *SyncService) ListAudit(ctx context.Context, userID, entityType, entityID string, limit int) ([]AuditEntry, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxPullLimit {
		limit = defaultPullLimit
	}
	args := pgx.NamedArgs{"user_id": userID, "limit": limit}
	where := "WHERE user_id=@user_id"
	if entityType != "" {
		where += " AND entity_type=@entity_type"
		args["entity_type"] = entityType
	}
	if entityID != "" {
		where += " AND entity_id=@entity_id"
		args["entity_id"] = entityID
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, device_id, entity_type, entity_id, op_id, action, outcome,
		       before_state, after_state, checksum, created_at
		FROM sync.audit_log
		`+where+`
		ORDER BY id DESC
		LIMIT @limit`, args)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return scanAuditRows(rows)
}

// VerifyAuditLog recomputes checksums for a user's entries with id > afterID.
// Any mismatch is an integrity incident: the report lists the offending ids and
// the returned error wraps ErrChecksumMismatch.
func (s *SyncService) VerifyAuditLog(ctx context.Context, userID string, afterID int64, limit int) (*AuditReport, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = maxPullLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, device_id, entity_type, entity_id, op_id, action, outcome,
		       before_state, after_state, checksum, created_at
		FROM sync.audit_log
		WHERE user_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`, userID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("verify audit: %w", err)
	}
	entries, err := scanAuditRows(rows)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{LastID: afterID}
	for i := range entries {
		e := &entries[i]
		report.Checked++
		report.LastID = e.ID
		if computeAuditChecksum(e) != e.Checksum {
			report.Mismatches = append(report.Mismatches, e.ID)
		}
	}
	if len(report.Mismatches) > 0 {
		s.logger.Error("Audit log integrity violation", "user_id", userID, "entries", report.Mismatches)
		return report, fmt.Errorf("%w: %d entries (first id %d)", ErrChecksumMismatch, len(report.Mismatches), report.Mismatches[0])
	}
	return report, nil
}

func scanAuditRows(rows pgx.Rows) ([]AuditEntry, error) {
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var before, after []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.DeviceID, &e.EntityType, &e.EntityID, &e.OpID,
			&e.Action, &e.Outcome, &before, &after, &e.Checksum, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Before = before
		e.After = after
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// nullableJSON maps empty raw JSON to SQL NULL
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
