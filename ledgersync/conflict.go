// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	ErrConflictNotFound   = errors.New("conflict not found")
	ErrConflictResolved   = errors.New("conflict already resolved")
	ErrInvalidResolution  = errors.New("invalid resolution")
	ErrRecordUnavailable  = errors.New("conflicted record no longer exists")
	errUnsupportedOutcome = errors.New("automatic resolution must be server_wins or pending")
)

// Resolution is the outcome chosen by a ConflictResolver
type Resolution struct {
	Outcome string          // server_wins or pending at push time
	Payload json.RawMessage // resolved payload for terminal outcomes
}

// ConflictResolver decides conflicts detected during push. Implementations run
// inside the push transaction and must be deterministic.
type ConflictResolver interface {
	Name() string
	Resolve(ctx context.Context, c *ConflictRecord) (Resolution, error)
}

// ServerWinsPolicy keeps the server state: the client's conflicting change is dropped.
type ServerWinsPolicy struct{}

func (ServerWinsPolicy) Name() string { return ResolutionServerWins }

func (ServerWinsPolicy) Resolve(_ context.Context, c *ConflictRecord) (Resolution, error) {
	return Resolution{Outcome: ResolutionServerWins, Payload: c.ServerPayload}, nil
}

// ManualReviewPolicy leaves conflicts pending for AdjudicateConflict.
// The server state stays authoritative until a decision is made.
type ManualReviewPolicy struct{}

func (ManualReviewPolicy) Name() string { return "manual_review" }

func (ManualReviewPolicy) Resolve(context.Context, *ConflictRecord) (Resolution, error) {
	return Resolution{Outcome: ResolutionPending}, nil
}

// recordConflict persists a detected conflict and applies the configured policy
func (s *SyncService) recordConflict(ctx context.Context, tx pgx.Tx, userID, deviceID string, op *OperationUpload, conflictType string, current *RecordEntity) (*ConflictRecord, error) {
	timer := s.startStage(MetricsOpPush, MetricsStageConflict)
	c := &ConflictRecord{
		UserID:        userID,
		DeviceID:      deviceID,
		OpID:          op.OpID,
		EntityType:    op.EntityType,
		EntityID:      op.ServerID,
		ClientID:      op.ClientID,
		ConflictType:  conflictType,
		ClientVersion: op.BaseVersion,
		ClientPayload: op.Payload,
		Resolution:    ResolutionPending,
		CreatedAt:     s.now(),
	}
	if current != nil {
		c.EntityID = current.ID
		c.ServerVersion = current.Version
		c.ServerPayload = current.Payload
	}

	var entityID any
	if c.EntityID != "" {
		entityID = c.EntityID
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO sync.conflicts (user_id, device_id, op_id, entity_type, entity_id, client_id, conflict_type,
		                            client_version, client_payload, server_version, server_payload, resolution, created_at)
		VALUES (@user_id, @device_id, @op_id::uuid, @entity_type, @entity_id::uuid, @client_id, @conflict_type,
		        @client_version, @client_payload::json, @server_version, @server_payload::json, 'pending', @created_at)
		RETURNING id`,
		pgx.NamedArgs{
			"user_id":        c.UserID,
			"device_id":      c.DeviceID,
			"op_id":          c.OpID,
			"entity_type":    c.EntityType,
			"entity_id":      entityID,
			"client_id":      c.ClientID,
			"conflict_type":  c.ConflictType,
			"client_version": c.ClientVersion,
			"client_payload": nullableJSON(c.ClientPayload),
			"server_version": c.ServerVersion,
			"server_payload": nullableJSON(c.ServerPayload),
			"created_at":     c.CreatedAt,
		},
	).Scan(&c.ID)
	if err != nil {
		timer.done(ctx, 1, 0, err)
		return nil, fmt.Errorf("insert conflict: %w", err)
	}

	res, err := s.resolver.Resolve(ctx, c)
	if err == nil {
		switch res.Outcome {
		case ResolutionPending:
		case ResolutionServerWins:
			err = s.markResolved(ctx, tx, c, res.Outcome, res.Payload, "policy:"+s.resolver.Name())
		default:
			err = fmt.Errorf("%w: %s returned %q", errUnsupportedOutcome, s.resolver.Name(), res.Outcome)
		}
	}
	timer.done(ctx, 1, 0, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Conflict detected",
		"user_id", userID, "device_id", deviceID, "op_id", op.OpID,
		"entity_type", op.EntityType, "entity_id", c.EntityID, "conflict_type", conflictType,
		"client_version", c.ClientVersion, "server_version", c.ServerVersion, "resolution", c.Resolution)
	return c, nil
}

func (s *SyncService) markResolved(ctx context.Context, tx pgx.Tx, c *ConflictRecord, outcome string, payload json.RawMessage, by string) error {
	at := s.now()
	_, err := tx.Exec(ctx, `
		UPDATE sync.conflicts
		SET resolution = $2, resolved_payload = $3::json, resolved_by = $4, resolved_at = $5
		WHERE id = $1 AND resolution = 'pending'`,
		c.ID, outcome, nullableJSON(payload), by, at)
	if err != nil {
		return fmt.Errorf("resolve conflict %d: %w", c.ID, err)
	}
	c.Resolution = outcome
	c.ResolvedPayload = payload
	c.ResolvedBy = by
	c.ResolvedAt = &at
	return nil
}

const conflictColumns = `id, user_id, device_id, op_id::text, entity_type, COALESCE(entity_id::text, ''), client_id,
	conflict_type, client_version, client_payload, server_version, server_payload,
	resolution, resolved_payload, COALESCE(resolved_by, ''), resolved_at, created_at`

func scanConflict(row pgx.Row) (*ConflictRecord, error) {
	var c ConflictRecord
	var clientPayload, serverPayload, resolvedPayload []byte
	if err := row.Scan(&c.ID, &c.UserID, &c.DeviceID, &c.OpID, &c.EntityType, &c.EntityID, &c.ClientID,
		&c.ConflictType, &c.ClientVersion, &clientPayload, &c.ServerVersion, &serverPayload,
		&c.Resolution, &resolvedPayload, &c.ResolvedBy, &c.ResolvedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.ClientPayload = clientPayload
	c.ServerPayload = serverPayload
	c.ResolvedPayload = resolvedPayload
	return &c, nil
}

// ListConflicts returns a user's conflicts, newest first, with optional filters
func (s *SyncService) ListConflicts(ctx context.Context, userID, entityType, resolution string, limit int) ([]ConflictRecord, error) {
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
	if resolution != "" {
		where += " AND resolution=@resolution"
		args["resolution"] = resolution
	}
	rows, err := s.pool.Query(ctx, `SELECT `+conflictColumns+` FROM sync.conflicts `+where+` ORDER BY id DESC LIMIT @limit`, args)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()
	var out []ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

// AdjudicateConflict settles a pending conflict by an explicit decision.
// server_wins keeps the server state; client_wins re-applies the client's submitted
// change and merged applies req.Payload, both as a new server version.
func (s *SyncService) AdjudicateConflict(ctx context.Context, userID string, req AdjudicateRequest, actor string) (*ConflictRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	switch req.Resolution {
	case ResolutionServerWins, ResolutionClientWins:
	case ResolutionMerged:
		var obj map[string]any
		if err := json.Unmarshal(req.Payload, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("%w: merged payload must be a JSON object", ErrInvalidResolution)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, req.Resolution)
	}
	if actor == "" {
		actor = "user:" + userID
	}

	ctx = context.WithoutCancel(ctx)
	var out *ConflictRecord
	err := s.runTx(ctx, MetricsOpAdjudicate, func(tx pgx.Tx) error {
		c, err := scanConflict(tx.QueryRow(ctx, `SELECT `+conflictColumns+` FROM sync.conflicts
			WHERE id = $1 AND user_id = $2 FOR UPDATE`, req.ConflictID, userID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrConflictNotFound, req.ConflictID)
		}
		if err != nil {
			return fmt.Errorf("load conflict %d: %w", req.ConflictID, err)
		}
		if c.Resolution != ResolutionPending {
			return fmt.Errorf("%w: %d is %s", ErrConflictResolved, c.ID, c.Resolution)
		}

		if err := lockChangeStream(ctx, tx, userID, c.EntityType); err != nil {
			return err
		}
		cur, err := lockRecord(ctx, tx, userID, c.EntityType, c.EntityID, c.ClientID)
		if err != nil {
			return err
		}

		var before, after json.RawMessage
		var resolved json.RawMessage
		if cur != nil {
			before = cur.Payload
			after = cur.Payload
			resolved = cur.Payload
		}

		if req.Resolution != ResolutionServerWins {
			if cur == nil {
				return fmt.Errorf("%w: conflict %d", ErrRecordUnavailable, c.ID)
			}
			now := s.now()
			var next *RecordEntity
			switch {
			case req.Resolution == ResolutionClientWins && (c.ConflictType == ConflictDelete || len(c.ClientPayload) == 0):
				next, err = updateRecord(ctx, tx, cur, cur.Version, nil, &now, now)
			case req.Resolution == ResolutionClientWins:
				next, err = updateRecord(ctx, tx, cur, cur.Version, c.ClientPayload, nil, now)
			default:
				next, err = updateRecord(ctx, tx, cur, cur.Version, req.Payload, nil, now)
			}
			if err != nil {
				return err
			}
			after = next.Payload
			resolved = next.Payload
		}

		if err := s.markResolved(ctx, tx, c, req.Resolution, resolved, actor); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, &AuditEntry{
			UserID:     userID,
			DeviceID:   c.DeviceID,
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			OpID:       c.OpID,
			Action:     AuditConflictAdjudicated,
			Outcome:    req.Resolution,
			Before:     before,
			After:      after,
		}); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Conflict adjudicated", "user_id", userID, "conflict_id", out.ID, "resolution", out.Resolution, "by", actor)
	return out, nil
}

// ResolvePendingConflicts sweeps conflicts left pending and settles them server-wins.
// Returns the number of conflicts resolved.
func (s *SyncService) ResolvePendingConflicts(ctx context.Context, userID string, limit int) (int, error) {
	pending, err := s.ListConflicts(ctx, userID, "", ResolutionPending, limit)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, c := range pending {
		_, err := s.AdjudicateConflict(ctx, userID, AdjudicateRequest{ConflictID: c.ID, Resolution: ResolutionServerWins}, "policy:"+ResolutionServerWins)
		if errors.Is(err, ErrConflictResolved) {
			continue
		}
		if err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}
