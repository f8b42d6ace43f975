// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

// statusAcknowledged creates a result for an applied (or already applied) operation
func statusAcknowledged(opID, serverID string, version int64) OperationResult {
	return OperationResult{
		OpID:     opID,
		Status:   StAcknowledged,
		ServerID: serverID,
		Version:  version,
	}
}

// statusConflict creates a result carrying the resolved conflict and the server state
func statusConflict(opID string, c *ConflictRecord, current *RecordEntity) OperationResult {
	info := &ConflictInfo{
		ConflictID:    c.ID,
		ConflictType:  c.ConflictType,
		Resolution:    c.Resolution,
		ServerVersion: c.ServerVersion,
		ServerPayload: c.ServerPayload,
	}
	res := OperationResult{
		OpID:     opID,
		Status:   StConflict,
		Conflict: info,
	}
	if current != nil {
		res.ServerID = current.ID
		res.Version = current.Version
		info.DeletedAt = current.DeletedAt
	}
	return res
}

// statusRejected creates a result for a permanently invalid operation
func statusRejected(opID, reason string, err error) OperationResult {
	res := OperationResult{
		OpID:   opID,
		Status: StRejected,
		Reason: reason,
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}
