// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"encoding/json"
	"time"
)

// Database entity models for the sync schema

// RecordEntity represents a row in sync.records
type RecordEntity struct {
	UserID     string          `db:"user_id"`     // User identifier (from JWT sub)
	EntityType string          `db:"entity_type"` // supplier, product, ...
	ID         string          `db:"id"`          // server-assigned UUID
	ClientID   string          `db:"client_id"`   // device-assigned correlation UUID
	Version    int64           `db:"version"`
	Payload    json.RawMessage `db:"payload"`
	DeletedAt  *time.Time      `db:"deleted_at"`
	ChangeSeq  int64           `db:"change_seq"` // pull cursor position of the latest mutation
	UpdatedAt  time.Time       `db:"updated_at"`
}

// Deleted reports whether the record is soft-deleted
func (e *RecordEntity) Deleted() bool {
	return e.DeletedAt != nil
}

// ConflictRecord represents a row in sync.conflicts
type ConflictRecord struct {
	ID              int64           `json:"id"`
	UserID          string          `json:"userId"`
	DeviceID        string          `json:"deviceId"`
	OpID            string          `json:"opId"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId,omitempty"`
	ClientID        string          `json:"clientId"`
	ConflictType    string          `json:"conflictType"`
	ClientVersion   int64           `json:"clientVersion"`
	ClientPayload   json.RawMessage `json:"clientPayload,omitempty"`
	ServerVersion   int64           `json:"serverVersion"`
	ServerPayload   json.RawMessage `json:"serverPayload,omitempty"`
	Resolution      string          `json:"resolution"`
	ResolvedPayload json.RawMessage `json:"resolvedPayload,omitempty"`
	ResolvedBy      string          `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// AuditEntry represents a row in sync.audit_log
type AuditEntry struct {
	ID         int64           `json:"id"`
	UserID     string          `json:"userId"`
	DeviceID   string          `json:"deviceId"`
	EntityType string          `json:"entityType,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
	OpID       string          `json:"opId,omitempty"`
	Action     string          `json:"action"`
	Outcome    string          `json:"outcome"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Checksum   string          `json:"checksum"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// DeviceSyncStateEntity represents a row in sync.device_sync_state.
// The device's own cursor is authoritative; this is the server's view of what it served.
type DeviceSyncStateEntity struct {
	UserID           string    `json:"userId"`
	DeviceID         string    `json:"deviceId"`
	EntityType       string    `json:"entityType"`
	LastServedCursor int64     `json:"lastServedCursor"`
	LastPullAt       time.Time `json:"lastPullAt"`
}
