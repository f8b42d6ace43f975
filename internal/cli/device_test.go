package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-ledgersync/ledgerlite"
	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

// ackServer acknowledges every pushed operation and serves empty pulls
type ackServer struct {
	mu     sync.Mutex
	pushed []ledgersync.OperationUpload
	auth   []string
}

func (s *ackServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/push", func(w http.ResponseWriter, r *http.Request) {
		var req ledgersync.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.pushed = append(s.pushed, req.Operations...)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()

		resp := ledgersync.PushResponse{Accepted: true}
		for _, op := range req.Operations {
			resp.Results = append(resp.Results, ledgersync.OperationResult{
				OpID:     op.OpID,
				Status:   ledgersync.StAcknowledged,
				ServerID: "srv-" + op.ClientID,
				Version:  op.BaseVersion + 1,
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /sync/pull", func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		_ = json.NewEncoder(w).Encode(ledgersync.PullResponse{Records: []ledgersync.RecordDelta{}, NextCursor: since})
	})
	return mux
}

func deviceArgs(dbPath, serverURL string, args ...string) []string {
	base := []string{"device"}
	base = append(base, args...)
	return append(base, "--device-db", dbPath, "--server-url", serverURL, "--user-id", "user-1", "--format", "json")
}

func TestDeviceCommands_EnqueueSyncStatus(t *testing.T) {
	t.Setenv("LEDGERSYNC_JWT_SECRET", "device-secret")
	fake := &ackServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	dbPath := filepath.Join(t.TempDir(), "device.db")

	out, err := execute(t, deviceArgs(dbPath, srv.URL, "id")...)
	require.NoError(t, err)
	var ids map[string]string
	decodeData(t, out, &ids)
	deviceID := ids["deviceId"]
	require.NotEmpty(t, deviceID)

	out, err = execute(t, deviceArgs(dbPath, srv.URL, "enqueue", "supplier", "create", "--payload", `{"name":"Acme"}`)...)
	require.NoError(t, err)
	var created EnqueueResult
	decodeData(t, out, &created)
	require.NotEmpty(t, created.ClientID)
	require.NotEmpty(t, created.OpID)

	_, err = execute(t, deviceArgs(dbPath, srv.URL, "enqueue", "supplier", "update", created.ClientID, "--payload", `{"name":"Acme Ltd"}`)...)
	require.NoError(t, err)

	out, err = execute(t, deviceArgs(dbPath, srv.URL, "status")...)
	require.NoError(t, err)
	var status DeviceStatus
	decodeData(t, out, &status)
	require.Equal(t, deviceID, status.DeviceID)
	require.Equal(t, 2, status.Operations[ledgerlite.OpQueued])

	out, err = execute(t, deviceArgs(dbPath, srv.URL, "sync")...)
	require.NoError(t, err)
	var res ledgerlite.SyncResult
	decodeData(t, out, &res)
	require.Equal(t, 2, res.Push.Acknowledged)
	require.Len(t, res.Pulls, len(ledgerlite.DefaultConfig().EntityTypes))

	require.Len(t, fake.pushed, 2)
	require.Equal(t, ledgersync.OpCreate, fake.pushed[0].Operation)
	require.Equal(t, ledgersync.OpUpdate, fake.pushed[1].Operation)
	require.EqualValues(t, 1, fake.pushed[1].BaseVersion)

	// The locally minted token identifies this device
	token := strings.TrimPrefix(fake.auth[0], "Bearer ")
	claims, err := ledgersync.NewJWTAuth("device-secret").ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, deviceID, claims.DeviceID)

	out, err = execute(t, deviceArgs(dbPath, srv.URL, "status")...)
	require.NoError(t, err)
	decodeData(t, out, &status)
	require.Equal(t, 2, status.Operations[ledgerlite.OpAcknowledged])
	require.Zero(t, status.Operations[ledgerlite.OpQueued])

	out, err = execute(t, deviceArgs(dbPath, srv.URL, "list", "supplier")...)
	require.NoError(t, err)
	var records []ledgerlite.Record
	decodeData(t, out, &records)
	require.Len(t, records, 1)
	require.Equal(t, ledgerlite.StatusSynced, records[0].SyncStatus)
	require.JSONEq(t, `{"name":"Acme Ltd"}`, string(records[0].Payload))
}

func TestDeviceCommands_SyncFailureKeepsOperationsQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	dbPath := filepath.Join(t.TempDir(), "device.db")

	_, err := execute(t, deviceArgs(dbPath, srv.URL, "enqueue", "payment", "create", "--payload", `{"amount":5}`)...)
	require.NoError(t, err)

	_, err = execute(t, deviceArgs(dbPath, srv.URL, "sync")...)
	require.Error(t, err)
	require.Equal(t, ExitFailure, GetExitCode(err))
	require.ErrorIs(t, err, ledgerlite.ErrTransport)

	out, err := execute(t, deviceArgs(dbPath, srv.URL, "failed")...)
	require.NoError(t, err)
	var failed []ledgerlite.Operation
	decodeData(t, out, &failed)
	require.Empty(t, failed)
}

func TestDeviceCommands_InputErrors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "device.db")
	url := "http://127.0.0.1:1"

	tests := []struct {
		name string
		args []string
	}{
		{"unknown operation", []string{"enqueue", "supplier", "upsert"}},
		{"update without id", []string{"enqueue", "supplier", "update"}},
		{"create with id", []string{"enqueue", "supplier", "create", "abc"}},
		{"unknown entity", []string{"enqueue", "invoice", "create"}},
		{"bad payload", []string{"enqueue", "rate", "create", "--payload", "[1,2]"}},
		{"missing record", []string{"enqueue", "rate", "delete", "nope"}},
		{"retry without ids", []string{"retry"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, deviceArgs(dbPath, url, tt.args...)...)
			require.Error(t, err)
			require.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"device", "status", "--device-db", dbPath, "--env-file", filepath.Join(t.TempDir(), "x")})
	cmd.SetOut(&strings.Builder{})
	err := cmd.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "--user-id")
}

type pagedVerifier struct {
	pages []*ledgersync.AuditReport
	calls int
}

func (p *pagedVerifier) VerifyAuditLog(_ context.Context, _ string, afterID int64, _ int) (*ledgersync.AuditReport, error) {
	if p.calls >= len(p.pages) {
		return &ledgersync.AuditReport{LastID: afterID}, nil
	}
	page := p.pages[p.calls]
	p.calls++
	if len(page.Mismatches) > 0 {
		return page, ledgersync.ErrChecksumMismatch
	}
	return page, nil
}

func TestVerifyAll_AggregatesPages(t *testing.T) {
	v := &pagedVerifier{pages: []*ledgersync.AuditReport{
		{Checked: 1000, LastID: 1000},
		{Checked: 10, LastID: 1010, Mismatches: []int64{1005}},
	}}
	res, err := verifyAll(context.Background(), v, "user-1", 0)
	require.ErrorIs(t, err, ledgersync.ErrChecksumMismatch)
	require.Equal(t, 1010, res.Checked)
	require.EqualValues(t, 1010, res.LastID)
	require.Equal(t, []int64{1005}, res.Mismatches)
	require.Equal(t, 2, v.calls)

	v = &pagedVerifier{pages: []*ledgersync.AuditReport{{Checked: 3, LastID: 13}}}
	res, err = verifyAll(context.Background(), v, "user-1", 10)
	require.NoError(t, err)
	require.Equal(t, 3, res.Checked)
	require.Empty(t, res.Mismatches)
}

type countingSweeper struct {
	pending int
	fail    error
	calls   int
}

func (s *countingSweeper) ResolvePendingConflicts(_ context.Context, _ string, limit int) (int, error) {
	s.calls++
	if s.fail != nil {
		return 0, s.fail
	}
	n := min(limit, s.pending)
	s.pending -= n
	return n, nil
}

func TestSweepAll_RunsUntilNothingPending(t *testing.T) {
	s := &countingSweeper{pending: 250}
	res, err := sweepAll(context.Background(), s, "user-1", 100)
	require.NoError(t, err)
	require.Equal(t, 250, res.Resolved)
	require.Equal(t, 4, res.Passes)
	require.Zero(t, s.pending)

	s = &countingSweeper{fail: errors.New("database is down")}
	_, err = sweepAll(context.Background(), s, "user-1", 100)
	require.ErrorContains(t, err, "database is down")
	require.Equal(t, 1, s.calls)
}

func TestAdminCommands_RequireUser(t *testing.T) {
	for _, args := range [][]string{
		{"conflicts", "sweep"},
		{"audit", "list"},
		{"audit", "verify"},
	} {
		_, err := execute(t, args...)
		require.Error(t, err)
		require.Equal(t, ExitCommandError, GetExitCode(err))
		require.ErrorContains(t, err, "--user-id")
	}
}
