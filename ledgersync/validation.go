// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validation error sentinels for reason mapping
var (
	ErrBadPayload             = errors.New("bad_payload")
	ErrUnregisteredEntityType = errors.New("unregistered_entity_type")
	ErrInvalidOperation       = errors.New("invalid_operation")
)

// reservedPayloadKeys are sync bookkeeping fields owned by the server
var reservedPayloadKeys = []string{"version", "deleted_at", "server_id", "is_dirty", "sync_status", "synced_at"}

// validateOperation normalizes and validates a single push operation
func (s *SyncService) validateOperation(op *OperationUpload) error {
	op.EntityType = strings.ToLower(strings.TrimSpace(op.EntityType))
	op.Operation = strings.ToLower(strings.TrimSpace(op.Operation))
	op.ClientID = strings.TrimSpace(op.ClientID)
	op.ServerID = strings.TrimSpace(op.ServerID)

	if !isValidEntityTypeName(op.EntityType) {
		return fmt.Errorf("%w: invalid entity type %q", ErrBadPayload, op.EntityType)
	}
	if !s.IsEntityRegistered(op.EntityType) {
		return fmt.Errorf("%w: entity type not registered %s", ErrUnregisteredEntityType, op.EntityType)
	}

	switch op.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOperation, op.Operation)
	}

	clientID, err := uuid.Parse(op.ClientID)
	if err != nil {
		return fmt.Errorf("%w: invalid clientId %q", ErrBadPayload, op.ClientID)
	}
	op.ClientID = clientID.String()

	if op.ServerID != "" {
		serverID, err := uuid.Parse(op.ServerID)
		if err != nil {
			return fmt.Errorf("%w: invalid serverId %q", ErrBadPayload, op.ServerID)
		}
		op.ServerID = serverID.String()
	}

	if op.Operation == OpCreate {
		if op.ServerID != "" {
			return fmt.Errorf("%w: create must not carry serverId", ErrBadPayload)
		}
		if op.BaseVersion != 0 {
			return fmt.Errorf("%w: create must not carry baseVersion", ErrBadPayload)
		}
	} else if op.BaseVersion < 1 {
		return fmt.Errorf("%w: %s requires baseVersion >= 1", ErrBadPayload, op.Operation)
	}

	if op.Operation == OpDelete {
		// Deletes carry no business payload; the last accepted payload is kept.
		if len(op.Payload) != 0 && string(op.Payload) != "null" {
			return fmt.Errorf("%w: delete must not include payload", ErrBadPayload)
		}
		op.Payload = nil
		return nil
	}

	if len(op.Payload) == 0 {
		return fmt.Errorf("%w: payload required for %s", ErrBadPayload, op.Operation)
	}
	if s.config.MaxPayloadBytes > 0 && len(op.Payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: payload too large: %d > %d", ErrBadPayload, len(op.Payload), s.config.MaxPayloadBytes)
	}

	var obj map[string]any
	if err := json.Unmarshal(op.Payload, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
	}
	for _, k := range reservedPayloadKeys {
		if _, ok := obj[k]; ok {
			return fmt.Errorf("%w: payload may not contain %s", ErrBadPayload, k)
		}
	}

	if v := s.entities[op.EntityType].Validate; v != nil {
		if err := v(obj); err != nil {
			return fmt.Errorf("%w: %s", ErrBadPayload, err.Error())
		}
	}

	return nil
}

// rejectionReason maps a validation error to its wire reason
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrUnregisteredEntityType):
		return ReasonUnregisteredEntityType
	case errors.Is(err, ErrInvalidOperation):
		return ReasonInvalidOperation
	default:
		return ReasonBadPayload
	}
}

// isValidEntityTypeName checks if the name matches ^[a-z0-9_]+$
func isValidEntityTypeName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}
