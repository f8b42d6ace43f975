package ledgerlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

// fakeServer is an in-memory sync server with the same push/pull semantics as
// ledgersync.SyncService: op id journal, version checks, in-batch cascade and a
// per-type change sequence.
type fakeServer struct {
	mu      sync.Mutex
	records map[string]*fakeRecord // entityType/clientID
	journal map[string]ledgersync.OperationResult
	seq     int64

	// Failure injection. maxBatch 0 means unlimited and tooLarge rejects every
	// batch; pushAfter fails after the batch was applied, like a lost reply.
	maxBatch  int
	tooLarge  bool
	pushErr   func(req *ledgersync.PushRequest) error
	pushAfter func(req *ledgersync.PushRequest) error
	pullErr   func(entityType string, since int64) error
	reject    func(op *ledgersync.OperationUpload) string
	pushBlock chan struct{}

	pushSizes  []int
	pullCalls  int
	onPushSent func()
}

type fakeRecord struct {
	id, clientID, entityType string
	version                  int64
	payload                  json.RawMessage
	deletedAt                *time.Time
	updatedAt                time.Time
	seq                      int64
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		records: make(map[string]*fakeRecord),
		journal: make(map[string]ledgersync.OperationResult),
	}
}

// device returns a Transport bound to one device of the fake server
func (s *fakeServer) device() Transport { return &fakeTransport{server: s} }

type fakeTransport struct{ server *fakeServer }

func (t *fakeTransport) Push(ctx context.Context, req *ledgersync.PushRequest) (*ledgersync.PushResponse, error) {
	return t.server.push(ctx, req)
}

func (t *fakeTransport) Pull(ctx context.Context, entityType string, since int64, limit int) (*ledgersync.PullResponse, error) {
	return t.server.pull(ctx, entityType, since, limit)
}

func (s *fakeServer) push(ctx context.Context, req *ledgersync.PushRequest) (*ledgersync.PushResponse, error) {
	if s.onPushSent != nil {
		s.onPushSent()
	}
	if s.pushBlock != nil {
		select {
		case <-s.pushBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushSizes = append(s.pushSizes, len(req.Operations))
	if s.pushErr != nil {
		if err := s.pushErr(req); err != nil {
			return nil, err
		}
	}

	if s.tooLarge || (s.maxBatch > 0 && len(req.Operations) > s.maxBatch) {
		resp := &ledgersync.PushResponse{Accepted: false}
		for _, op := range req.Operations {
			resp.Results = append(resp.Results, ledgersync.OperationResult{
				OpID: op.OpID, Status: ledgersync.StRejected, Reason: ledgersync.ReasonBatchTooLarge,
			})
		}
		return resp, nil
	}

	resp := &ledgersync.PushResponse{Accepted: true}
	conflicted := make(map[string]bool)
	for i := range req.Operations {
		op := &req.Operations[i]
		if stored, ok := s.journal[op.OpID]; ok {
			resp.Results = append(resp.Results, stored)
			continue
		}
		res := s.apply(op, conflicted)
		s.journal[op.OpID] = res
		resp.Results = append(resp.Results, res)
	}

	if s.pushAfter != nil {
		if err := s.pushAfter(req); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (s *fakeServer) apply(op *ledgersync.OperationUpload, conflicted map[string]bool) ledgersync.OperationResult {
	key := op.EntityType + "/" + op.ClientID
	res := ledgersync.OperationResult{OpID: op.OpID}
	now := time.Now().UTC()

	if s.reject != nil {
		if reason := s.reject(op); reason != "" {
			res.Status = ledgersync.StRejected
			res.Reason = reason
			return res
		}
	}
	if conflicted[key] && op.Operation != ledgersync.OpCreate {
		return s.conflict(op, res, ledgersync.ConflictUpdate)
	}

	switch op.Operation {
	case ledgersync.OpCreate:
		if rec, ok := s.records[key]; ok {
			res.Status = ledgersync.StAcknowledged
			res.ServerID = rec.id
			res.Version = 1
			return res
		}
		s.seq++
		rec := &fakeRecord{id: uuid.NewString(), clientID: op.ClientID, entityType: op.EntityType,
			version: 1, payload: op.Payload, updatedAt: now, seq: s.seq}
		s.records[key] = rec
		res.Status = ledgersync.StAcknowledged
		res.ServerID = rec.id
		res.Version = 1
		return res

	case ledgersync.OpUpdate, ledgersync.OpDelete:
		rec, ok := s.records[key]
		if !ok || rec.deletedAt != nil {
			conflicted[key] = true
			return s.conflict(op, res, ledgersync.ConflictVersionMismatch)
		}
		if op.ServerID != "" && op.ServerID != rec.id {
			res.Status = ledgersync.StRejected
			res.Reason = ledgersync.ReasonInvalidOperation
			return res
		}
		if rec.version != op.BaseVersion {
			conflicted[key] = true
			ct := ledgersync.ConflictUpdate
			if op.Operation == ledgersync.OpDelete {
				ct = ledgersync.ConflictDelete
			}
			return s.conflict(op, res, ct)
		}
		s.seq++
		rec.version++
		rec.seq = s.seq
		rec.updatedAt = now
		if op.Operation == ledgersync.OpDelete {
			rec.deletedAt = &now
		} else {
			rec.payload = op.Payload
		}
		res.Status = ledgersync.StAcknowledged
		res.ServerID = rec.id
		res.Version = rec.version
		return res
	}
	res.Status = ledgersync.StRejected
	res.Reason = ledgersync.ReasonInvalidOperation
	return res
}

func (s *fakeServer) conflict(op *ledgersync.OperationUpload, res ledgersync.OperationResult, conflictType string) ledgersync.OperationResult {
	res.Status = ledgersync.StConflict
	info := &ledgersync.ConflictInfo{ConflictType: conflictType, Resolution: ledgersync.ResolutionServerWins}
	if rec, ok := s.records[op.EntityType+"/"+op.ClientID]; ok {
		res.ServerID = rec.id
		info.ServerVersion = rec.version
		info.ServerPayload = rec.payload
		info.DeletedAt = rec.deletedAt
	}
	res.Conflict = info
	return res
}

func (s *fakeServer) pull(ctx context.Context, entityType string, since int64, limit int) (*ledgersync.PullResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullCalls++
	if s.pullErr != nil {
		if err := s.pullErr(entityType, since); err != nil {
			return nil, err
		}
	}

	var changed []*fakeRecord
	for _, rec := range s.records {
		if rec.entityType == entityType && rec.seq > since {
			changed = append(changed, rec)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })

	resp := &ledgersync.PullResponse{NextCursor: since, Records: []ledgersync.RecordDelta{}}
	if len(changed) > limit {
		changed = changed[:limit]
		resp.HasMore = true
	}
	for _, rec := range changed {
		resp.Records = append(resp.Records, ledgersync.RecordDelta{
			ID: rec.id, ClientID: rec.clientID, EntityType: rec.entityType, Version: rec.version,
			Payload: rec.payload, DeletedAt: rec.deletedAt, UpdatedAt: rec.updatedAt, Cursor: rec.seq,
		})
		resp.NextCursor = rec.seq
	}
	return resp, nil
}

func (s *fakeServer) record(entityType, clientID string) *fakeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[entityType+"/"+clientID]
}

var errNetwork = errors.New("connection reset by peer")

// openTestDB returns a file-backed database; a pooled :memory: DSN would give
// every connection its own empty database.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.db")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.BackoffMin = 0
	cfg.MaxRetries = 3
	return cfg
}

func newTestClient(t *testing.T, server *fakeServer, configure func(*Config)) *Client {
	t.Helper()
	return newTestClientOn(t, openTestDB(t), server, configure)
}

func newTestClientOn(t *testing.T, db *sql.DB, server *fakeServer, configure func(*Config)) *Client {
	t.Helper()
	cfg := testConfig()
	if configure != nil {
		configure(cfg)
	}
	deviceID, err := EnsureDeviceID(db, "user-1")
	require.NoError(t, err)
	c, err := NewClient(db, "user-1", deviceID, server.device(), cfg)
	require.NoError(t, err)
	return c
}

func opStatuses(t *testing.T, c *Client, entityType, clientID string) []string {
	t.Helper()
	ops, err := c.ListOperations(context.Background(), entityType, clientID)
	require.NoError(t, err)
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Status
	}
	return out
}
