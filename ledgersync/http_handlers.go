// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the push/pull API
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// identify resolves the caller and enforces that a claimed device id matches the token
func (h *HTTPSyncHandlers) identify(w http.ResponseWriter, r *http.Request, claimedDevice string) (userID, deviceID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	if claimedDevice != "" && claimedDevice != deviceID {
		h.writeError(w, http.StatusForbidden, "device_mismatch", "deviceId does not match the authenticated device")
		return "", "", false
	}
	return userID, deviceID, true
}

// HandlePush processes batch push requests
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, deviceID, ok := h.identify(w, r, "")
	if !ok {
		return
	}

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}
	if req.DeviceID != "" && req.DeviceID != deviceID {
		h.writeError(w, http.StatusForbidden, "device_mismatch", "deviceId does not match the authenticated device")
		return
	}

	response, err := h.service.ProcessPush(r.Context(), userID, deviceID, &req)
	if err != nil {
		h.logger.Error("Failed to process push", "error", err, "user_id", userID, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandlePull processes delta pull requests
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	q := r.URL.Query()
	userID, deviceID, ok := h.identify(w, r, q.Get("deviceId"))
	if !ok {
		return
	}

	entityType := q.Get("entityType")
	if entityType == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "entityType is required")
		return
	}
	if !h.service.IsEntityRegistered(entityType) {
		h.writeError(w, http.StatusBadRequest, ReasonUnregisteredEntityType, "entity type not registered: "+entityType)
		return
	}

	since := int64(0)
	if v := q.Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be an integer")
			return
		}
		if parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be >= 0")
			return
		}
		since = parsed
	}

	limit := defaultPullLimit
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		if parsed < 1 || parsed > maxPullLimit {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	response, err := h.service.ProcessPull(r.Context(), userID, deviceID, entityType, since, limit)
	if err != nil {
		h.logger.Error("Failed to process pull", "error", err, "user_id", userID, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to process pull")
		return
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandleListConflicts lists conflicts for the authenticated user
func (h *HTTPSyncHandlers) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, _, ok := h.identify(w, r, "")
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := defaultPullLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	conflicts, err := h.service.ListConflicts(r.Context(), userID, q.Get("entityType"), q.Get("resolution"), limit)
	if err != nil {
		h.logger.Error("List conflicts error", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_conflicts_failed", "Failed to list conflicts")
		return
	}
	if conflicts == nil {
		conflicts = []ConflictRecord{}
	}
	h.writeJSON(w, http.StatusOK, conflicts)
}

// HandleAdjudicateConflict applies a manual decision to a pending conflict
func (h *HTTPSyncHandlers) HandleAdjudicateConflict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	userID, deviceID, ok := h.identify(w, r, "")
	if !ok {
		return
	}
	var req AdjudicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConflictID <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing or invalid conflictId")
		return
	}

	c, err := h.service.AdjudicateConflict(r.Context(), userID, req, "device:"+deviceID)
	switch {
	case errors.Is(err, ErrConflictNotFound):
		h.writeError(w, http.StatusNotFound, "conflict_not_found", err.Error())
		return
	case errors.Is(err, ErrConflictResolved), errors.Is(err, ErrRecordUnavailable):
		h.writeError(w, http.StatusConflict, "conflict_not_adjudicable", err.Error())
		return
	case errors.Is(err, ErrInvalidResolution):
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case err != nil:
		h.logger.Error("Adjudicate conflict error", "error", err, "conflict_id", req.ConflictID)
		h.writeError(w, http.StatusInternalServerError, "adjudicate_failed", "Failed to adjudicate conflict")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// HandleVerifyAudit recomputes audit checksums for the authenticated user
func (h *HTTPSyncHandlers) HandleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, _, ok := h.identify(w, r, "")
	if !ok {
		return
	}
	var afterID int64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "after must be a non-negative integer")
			return
		}
		afterID = parsed
	}

	report, err := h.service.VerifyAuditLog(r.Context(), userID, afterID, 0)
	if errors.Is(err, ErrChecksumMismatch) {
		h.writeJSON(w, http.StatusConflict, report)
		return
	}
	if err != nil {
		h.logger.Error("Verify audit error", "error", err)
		h.writeError(w, http.StatusInternalServerError, "verify_audit_failed", "Failed to verify audit log")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// HandleSweepConflicts settles the user's pending conflicts server-wins
func (h *HTTPSyncHandlers) HandleSweepConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	userID, deviceID, ok := h.identify(w, r, "")
	if !ok {
		return
	}
	limit, ok := h.queryLimit(w, r)
	if !ok {
		return
	}
	n, err := h.service.ResolvePendingConflicts(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Sweep conflicts error", "error", err, "user_id", userID, "resolved", n)
		h.writeError(w, http.StatusInternalServerError, "sweep_conflicts_failed", "Failed to resolve pending conflicts")
		return
	}
	h.logger.Info("Pending conflicts swept", "user_id", userID, "device_id", deviceID, "resolved", n)
	h.writeJSON(w, http.StatusOK, SweepConflictsResponse{Resolved: n})
}

// HandleListAudit lists the user's audit entries, newest first
func (h *HTTPSyncHandlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, _, ok := h.identify(w, r, "")
	if !ok {
		return
	}
	limit, ok := h.queryLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	entries, err := h.service.ListAudit(r.Context(), userID, q.Get("entityType"), q.Get("entityId"), limit)
	if err != nil {
		h.logger.Error("List audit error", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_audit_failed", "Failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// HandleListDevices reports how far each of the user's devices has pulled
func (h *HTTPSyncHandlers) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, _, ok := h.identify(w, r, "")
	if !ok {
		return
	}
	states, err := h.service.ListDeviceStates(r.Context(), userID)
	if err != nil {
		h.logger.Error("List device states error", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_devices_failed", "Failed to list device states")
		return
	}
	if states == nil {
		states = []DeviceSyncStateEntity{}
	}
	h.writeJSON(w, http.StatusOK, states)
}

// queryLimit parses an optional limit in [1, maxPullLimit]; 0 means the default
func (h *HTTPSyncHandlers) queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxPullLimit {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONError(w, statusCode, errorCode, message)
	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func writeJSONError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})
}
