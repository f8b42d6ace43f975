// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

// Operation kinds submitted by devices
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Per-operation push outcomes
const (
	StAcknowledged = "acknowledged"
	StConflict     = "conflict"
	StRejected     = "rejected"
)

// Conflict types
const (
	ConflictUpdate          = "update_conflict"
	ConflictDelete          = "delete_conflict"
	ConflictVersionMismatch = "version_mismatch"
)

// Conflict resolutions
const (
	ResolutionServerWins = "server_wins"
	ResolutionClientWins = "client_wins"
	ResolutionMerged     = "merged"
	ResolutionPending    = "pending"
)

// Rejection reason constants
const (
	ReasonBadPayload             = "bad_payload"
	ReasonUnregisteredEntityType = "unregistered_entity_type"
	ReasonInvalidOperation       = "invalid_operation"
	ReasonBatchTooLarge          = "batch_too_large"
	ReasonOpIDReused             = "op_id_reused"
)

// Ledger entity types synchronized by default
const (
	EntitySupplier   = "supplier"
	EntityProduct    = "product"
	EntityRate       = "rate"
	EntityCollection = "collection"
	EntityPayment    = "payment"
)

// Audit actions
const (
	AuditPushCreate          = "push_create"
	AuditPushUpdate          = "push_update"
	AuditPushDelete          = "push_delete"
	AuditPull                = "pull"
	AuditConflictAdjudicated = "conflict_adjudicated"
)

const (
	defaultPullLimit = 100
	maxPullLimit     = 1000
)
