// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the push/pull HTTP API

// PushRequest is a batch of device operations submitted in local FIFO order.
// The device id must match the did claim of the bearer token.
type PushRequest struct {
	DeviceID   string            `json:"deviceId"`
	Operations []OperationUpload `json:"operations"`
}

// OperationUpload is a single mutation from the device mutation log
type OperationUpload struct {
	OpID        string          `json:"opId"`                  // UUID idempotency key
	EntityType  string          `json:"entityType"`            // supplier, product, rate, collection, payment
	Operation   string          `json:"operation"`             // create, update, delete
	ClientID    string          `json:"clientId"`              // client-generated correlation id
	ServerID    string          `json:"serverId,omitempty"`    // server id if already known
	BaseVersion int64           `json:"baseVersion,omitempty"` // absent for create
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// PushResponse carries one result per submitted operation, in request order
type PushResponse struct {
	Accepted bool              `json:"accepted"`
	Results  []OperationResult `json:"results"`
}

// OperationResult is the outcome of a single operation
type OperationResult struct {
	OpID     string        `json:"opId"`
	Status   string        `json:"status"` // acknowledged, conflict, rejected
	ServerID string        `json:"serverId,omitempty"`
	Version  int64         `json:"version,omitempty"`
	Conflict *ConflictInfo `json:"conflict,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// ConflictInfo exposes the authoritative server state for a conflicted operation
type ConflictInfo struct {
	ConflictID    int64           `json:"conflictId"`
	ConflictType  string          `json:"conflictType"`
	Resolution    string          `json:"resolution"`
	ServerVersion int64           `json:"serverVersion"`
	ServerPayload json.RawMessage `json:"serverPayload,omitempty"`
	DeletedAt     *time.Time      `json:"deletedAt,omitempty"`
}

// PullResponse is a page of record deltas ordered by cursor
type PullResponse struct {
	Records    []RecordDelta `json:"records"`
	NextCursor int64         `json:"nextCursor"`
	HasMore    bool          `json:"hasMore"`
}

// RecordDelta is the current server state of a changed record
type RecordDelta struct {
	ID         string          `json:"id"`
	ClientID   string          `json:"clientId"`
	EntityType string          `json:"entityType"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	DeletedAt  *time.Time      `json:"deletedAt,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Cursor     int64           `json:"cursor"`
}

// AdjudicateRequest is a manual decision on a pending conflict
type AdjudicateRequest struct {
	ConflictID int64           `json:"conflictId"`
	Resolution string          `json:"resolution"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// SweepConflictsResponse reports how many pending conflicts a sweep settled
type SweepConflictsResponse struct {
	Resolved int `json:"resolved"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ToRecordDelta converts a stored record into its wire form
func (e *RecordEntity) ToRecordDelta() RecordDelta {
	return RecordDelta{
		ID:         e.ID,
		ClientID:   e.ClientID,
		EntityType: e.EntityType,
		Version:    e.Version,
		Payload:    e.Payload,
		DeletedAt:  e.DeletedAt,
		UpdatedAt:  e.UpdatedAt,
		Cursor:     e.ChangeSeq,
	}
}
