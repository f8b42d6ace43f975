// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProcessPush applies a batch of device operations in request order inside one transaction.
//
// Each operation passes the op-id idempotency gate first: a replayed op id returns the
// result stored the first time, without re-applying. The batch is applied to completion
// even if the caller goes away; a storage failure fails the whole batch so the device
// retries it, and the gate makes that retry safe.
func (s *SyncService) ProcessPush(ctx context.Context, userID, deviceID string, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req == nil || len(req.Operations) == 0 {
		return &PushResponse{Accepted: true, Results: []OperationResult{}}, nil
	}

	// Reject the whole batch so the device shrinks it instead of dropping operations.
	if s.config.MaxPushBatchSize > 0 && len(req.Operations) > s.config.MaxPushBatchSize {
		results := make([]OperationResult, len(req.Operations))
		err := fmt.Errorf("batch too large: operations=%d limit=%d", len(req.Operations), s.config.MaxPushBatchSize)
		for i, op := range req.Operations {
			results[i] = statusRejected(op.OpID, ReasonBatchTooLarge, err)
		}
		return &PushResponse{Accepted: false, Results: results}, nil
	}

	ctx = context.WithoutCancel(ctx)
	total := s.startStage(MetricsOpPush, MetricsStageTotal)

	var results []OperationResult
	err := s.runTx(ctx, MetricsOpPush, func(tx pgx.Tx) error {
		if s.config.LockTimeout > 0 {
			if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
				fmt.Sprintf("%dms", s.config.LockTimeout.Milliseconds())); err != nil {
				return fmt.Errorf("failed to set lock timeout: %w", err)
			}
		}
		if err := lockChangeStream(ctx, tx, userID, s.batchEntityTypes(req.Operations)...); err != nil {
			return err
		}

		results = make([]OperationResult, len(req.Operations))
		conflicted := make(map[string]bool)
		for i := range req.Operations {
			op := req.Operations[i]
			res, err := s.processOperation(ctx, tx, userID, deviceID, i, &op, conflicted)
			if err != nil {
				return fmt.Errorf("operation %d (%s): %w", i, op.OpID, err)
			}
			results[i] = res
		}
		return nil
	})
	total.done(ctx, len(req.Operations), 0, err)
	if err != nil {
		return nil, fmt.Errorf("failed to process push transaction: %w", err)
	}

	return &PushResponse{Accepted: true, Results: results}, nil
}

// batchEntityTypes lists the registered entity types touched by a batch
func (s *SyncService) batchEntityTypes(ops []OperationUpload) []string {
	var out []string
	for _, op := range ops {
		et := strings.ToLower(strings.TrimSpace(op.EntityType))
		if s.IsEntityRegistered(et) {
			out = append(out, et)
		}
	}
	return out
}

// processOperation runs one operation through the gate, validation and apply steps
func (s *SyncService) processOperation(ctx context.Context, tx pgx.Tx, userID, deviceID string, idx int, op *OperationUpload, conflicted map[string]bool) (OperationResult, error) {
	opID, err := uuid.Parse(strings.TrimSpace(op.OpID))
	if err != nil {
		// Without a valid op id there is nothing to key the journal on.
		res := statusRejected(op.OpID, ReasonBadPayload, fmt.Errorf("%w: invalid opId %q", ErrBadPayload, op.OpID))
		return res, s.auditOperation(ctx, tx, userID, deviceID, op, res, nil, nil, false)
	}
	op.OpID = opID.String()

	gate := s.startStage(MetricsOpPush, MetricsStageGate)
	fresh, stored, err := s.claimOperation(ctx, tx, userID, deviceID, op)
	gate.done(ctx, 1, 0, err)
	if err != nil {
		return OperationResult{}, err
	}
	if !fresh {
		s.logger.Debug("Replayed operation", "op_id", op.OpID, "status", stored.Status, "device_id", deviceID)
		return stored, s.auditOperation(ctx, tx, userID, deviceID, op, stored, nil, nil, true)
	}

	var (
		res           OperationResult
		before, after json.RawMessage
	)
	if verr := s.validateOperation(op); verr != nil {
		res = statusRejected(op.OpID, rejectionReason(verr), verr)
	} else {
		apply := s.startStage(MetricsOpPush, MetricsStageApply)
		res, before, after, err = s.applyInSavepoint(ctx, tx, userID, deviceID, idx, op, conflicted)
		apply.done(ctx, 1, 0, err)
		if err != nil {
			return OperationResult{}, err
		}
	}

	if err := s.finalizeOperation(ctx, tx, op.OpID, res); err != nil {
		return OperationResult{}, err
	}
	if err := s.auditOperation(ctx, tx, userID, deviceID, op, res, before, after, false); err != nil {
		return OperationResult{}, err
	}
	if res.Status == StRejected {
		s.logger.Warn("Operation rejected", "op_id", op.OpID, "reason", res.Reason, "message", res.Message,
			"user_id", userID, "device_id", deviceID)
	}
	return res, nil
}

// claimOperation inserts the op id into the journal. When the op id already exists the
// stored result is returned with fresh=false.
func (s *SyncService) claimOperation(ctx context.Context, tx pgx.Tx, userID, deviceID string, op *OperationUpload) (fresh bool, stored OperationResult, err error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO sync.operations (op_id, user_id, device_id, entity_type, operation, client_id)
		VALUES ($1::uuid, $2, $3, $4, $5, $6)
		ON CONFLICT (op_id) DO NOTHING`,
		op.OpID, userID, deviceID, op.EntityType, op.Operation, op.ClientID)
	if err != nil {
		return false, OperationResult{}, fmt.Errorf("idempotency gate insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, OperationResult{}, nil
	}

	var owner string
	var raw []byte
	if err := tx.QueryRow(ctx, `SELECT user_id, result FROM sync.operations WHERE op_id = $1::uuid`, op.OpID).
		Scan(&owner, &raw); err != nil {
		return false, OperationResult{}, fmt.Errorf("idempotency gate lookup: %w", err)
	}
	if owner != userID {
		return false, statusRejected(op.OpID, ReasonOpIDReused, errors.New("op id belongs to another user")), nil
	}
	if len(raw) == 0 {
		return false, OperationResult{}, fmt.Errorf("idempotency gate: op %s journaled without result", op.OpID)
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return false, OperationResult{}, fmt.Errorf("idempotency gate decode: %w", err)
	}
	return false, stored, nil
}

func (s *SyncService) finalizeOperation(ctx context.Context, tx pgx.Tx, opID string, res OperationResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE sync.operations SET status = $2, result = $3::json WHERE op_id = $1::uuid`,
		opID, res.Status, string(raw)); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// applyInSavepoint isolates a single apply so data errors reject only that operation
func (s *SyncService) applyInSavepoint(ctx context.Context, tx pgx.Tx, userID, deviceID string, idx int, op *OperationUpload, conflicted map[string]bool) (OperationResult, json.RawMessage, json.RawMessage, error) {
	sp := pgx.Identifier{fmt.Sprintf("op_%d", idx)}.Sanitize()
	if _, err := tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return OperationResult{}, nil, nil, fmt.Errorf("failed to create savepoint: %w", err)
	}

	res, before, after, err := s.applyOperation(ctx, tx, userID, deviceID, op, conflicted)
	if err != nil {
		if !isDataError(err) {
			return OperationResult{}, nil, nil, err
		}
		_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT "+sp)
		return statusRejected(op.OpID, ReasonBadPayload, fmt.Errorf("%w: %v", ErrBadPayload, err)), nil, nil, nil
	}

	if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return OperationResult{}, nil, nil, fmt.Errorf("failed to release savepoint: %w", err)
	}
	if res.Status == StConflict {
		conflicted[entityKey(op)] = true
	}
	return res, before, after, nil
}

// applyOperation performs the version-checked mutation. It returns the server state
// before and after for the audit trail.
func (s *SyncService) applyOperation(ctx context.Context, tx pgx.Tx, userID, deviceID string, op *OperationUpload, conflicted map[string]bool) (OperationResult, json.RawMessage, json.RawMessage, error) {
	now := s.now()

	if op.Operation == OpCreate {
		rec, created, err := insertRecord(ctx, tx, userID, op.EntityType, uuid.NewString(), op.ClientID, op.Payload, now)
		if err != nil {
			return OperationResult{}, nil, nil, err
		}
		if !created {
			// Same client id already created under another op id: the create took effect as version 1.
			return statusAcknowledged(op.OpID, rec.ID, 1), nil, nil, nil
		}
		return statusAcknowledged(op.OpID, rec.ID, rec.Version), nil, rec.Payload, nil
	}

	cur, err := lockRecord(ctx, tx, userID, op.EntityType, op.ServerID, op.ClientID)
	if err != nil {
		return OperationResult{}, nil, nil, err
	}
	if cur != nil && cur.ClientID != op.ClientID {
		return statusRejected(op.OpID, ReasonBadPayload,
			fmt.Errorf("%w: serverId %s belongs to clientId %s", ErrBadPayload, cur.ID, cur.ClientID)), nil, nil, nil
	}

	var conflictType string
	switch {
	case conflicted[entityKey(op)]:
		// An earlier operation on this entity in the same batch already lost.
		conflictType = conflictTypeFor(op.Operation)
	case cur == nil || cur.Deleted():
		conflictType = ConflictVersionMismatch
	case cur.Version != op.BaseVersion:
		conflictType = conflictTypeFor(op.Operation)
	}

	if conflictType != "" {
		c, err := s.recordConflict(ctx, tx, userID, deviceID, op, conflictType, cur)
		if err != nil {
			return OperationResult{}, nil, nil, err
		}
		var state json.RawMessage
		if cur != nil {
			state = cur.Payload
		}
		return statusConflict(op.OpID, c, cur), state, state, nil
	}

	var next *RecordEntity
	if op.Operation == OpDelete {
		next, err = updateRecord(ctx, tx, cur, op.BaseVersion, nil, &now, now)
	} else {
		next, err = updateRecord(ctx, tx, cur, op.BaseVersion, op.Payload, nil, now)
	}
	if err != nil {
		return OperationResult{}, nil, nil, err
	}
	after := next.Payload
	if op.Operation == OpDelete {
		after = nil
	}
	return statusAcknowledged(op.OpID, next.ID, next.Version), cur.Payload, after, nil
}

func (s *SyncService) auditOperation(ctx context.Context, tx pgx.Tx, userID, deviceID string, op *OperationUpload, res OperationResult, before, after json.RawMessage, replay bool) error {
	outcome := res.Status
	if res.Conflict != nil {
		outcome += ":" + res.Conflict.Resolution
	}
	if res.Reason != "" {
		outcome += ":" + res.Reason
	}
	if replay {
		outcome = "replay:" + outcome
	}
	return s.appendAudit(ctx, tx, &AuditEntry{
		UserID:     userID,
		DeviceID:   deviceID,
		EntityType: op.EntityType,
		EntityID:   res.ServerID,
		OpID:       op.OpID,
		Action:     auditActionFor(op.Operation),
		Outcome:    outcome,
		Before:     before,
		After:      after,
	})
}

func entityKey(op *OperationUpload) string {
	return op.EntityType + "/" + op.ClientID
}

func conflictTypeFor(operation string) string {
	if operation == OpDelete {
		return ConflictDelete
	}
	return ConflictUpdate
}

func auditActionFor(operation string) string {
	switch strings.ToLower(strings.TrimSpace(operation)) {
	case OpCreate:
		return AuditPushCreate
	case OpDelete:
		return AuditPushDelete
	case OpUpdate:
		return AuditPushUpdate
	default:
		return "push_" + operation
	}
}
