package ledgerlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

func TestInitializeDatabase(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, initializeDatabase(db))
	// Idempotent
	require.NoError(t, initializeDatabase(db))

	expectedTables := []string{"_sync_client_info", "_sync_records", "_sync_operations", "_sync_state", "_sync_conflicts"}
	for _, table := range expectedTables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)
}

func TestEnsureDeviceID(t *testing.T) {
	db := openTestDB(t)

	id1, err := EnsureDeviceID(db, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := EnsureDeviceID(db, "user-1")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	other, err := EnsureDeviceID(db, "user-2")
	require.NoError(t, err)
	require.NotEqual(t, id1, other)
}

func TestNewClient_Validation(t *testing.T) {
	db := openTestDB(t)
	server := newFakeServer()

	_, err := NewClient(db, "", "device", server.device(), nil)
	require.Error(t, err)
	_, err = NewClient(db, "user", "device", nil, nil)
	require.Error(t, err)
	_, err = NewClient(db, "user", "device", server.device(), &Config{})
	require.Error(t, err)

	c, err := NewClient(db, "user", "device", server.device(), &Config{EntityTypes: []string{ledgersync.EntityRate}})
	require.NoError(t, err)
	require.Equal(t, 100, c.Config().PushBatchSize)
	require.Equal(t, 500, c.Config().PullLimit)
}

func TestCreateUpdateDelete_LocalState(t *testing.T) {
	c := newTestClient(t, newFakeServer(), nil)
	ctx := context.Background()

	clientID, createOp, err := c.Create(ctx, ledgersync.EntitySupplier, json.RawMessage(`{"name":"Acme"}`))
	require.NoError(t, err)
	require.NotEmpty(t, createOp)

	rec, err := c.Get(ctx, ledgersync.EntitySupplier, clientID)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Version)
	require.True(t, rec.IsDirty)
	require.Equal(t, StatusPending, rec.SyncStatus)
	require.Empty(t, rec.ServerID)
	require.JSONEq(t, `{"name":"Acme"}`, string(rec.Payload))

	_, err = c.Update(ctx, ledgersync.EntitySupplier, clientID, json.RawMessage(`{"name":"Acme Ltd"}`))
	require.NoError(t, err)
	_, err = c.Delete(ctx, ledgersync.EntitySupplier, clientID)
	require.NoError(t, err)

	rec, err = c.Get(ctx, ledgersync.EntitySupplier, clientID)
	require.NoError(t, err)
	require.NotNil(t, rec.DeletedAt)
	require.JSONEq(t, `{"name":"Acme Ltd"}`, string(rec.Payload))

	live, err := c.List(ctx, ledgersync.EntitySupplier)
	require.NoError(t, err)
	require.Empty(t, live)

	_, err = c.Update(ctx, ledgersync.EntitySupplier, clientID, json.RawMessage(`{"name":"x"}`))
	require.ErrorIs(t, err, ErrRecordNotFound)

	ops, err := c.ListOperations(ctx, ledgersync.EntitySupplier, clientID)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	require.Equal(t, []string{ledgersync.OpCreate, ledgersync.OpUpdate, ledgersync.OpDelete},
		[]string{ops[0].Operation, ops[1].Operation, ops[2].Operation})
	require.Nil(t, ops[2].Payload)
}

func TestCreate_RejectsBadInput(t *testing.T) {
	c := newTestClient(t, newFakeServer(), nil)
	ctx := context.Background()

	_, _, err := c.Create(ctx, "invoice", json.RawMessage(`{"a":1}`))
	require.ErrorIs(t, err, ErrUnknownEntityType)

	for _, payload := range []string{`[1,2]`, `null`, `"text"`, `{`} {
		_, _, err = c.Create(ctx, ledgersync.EntityRate, json.RawMessage(payload))
		require.ErrorIs(t, err, ErrInvalidPayload, payload)
	}

	_, err = c.Update(ctx, ledgersync.EntityRate, "3f0c5f7e-9d0a-4a53-9c55-0d5a1c7a7b11", json.RawMessage(`{"a":1}`))
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestEnqueue_PredictsBaseVersion(t *testing.T) {
	c := newTestClient(t, newFakeServer(), nil)
	ctx := context.Background()

	clientID, _, err := c.Create(ctx, ledgersync.EntityProduct, json.RawMessage(`{"sku":"A"}`))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = c.Update(ctx, ledgersync.EntityProduct, clientID, json.RawMessage(`{"sku":"B"}`))
		require.NoError(t, err)
	}

	ops, err := c.ListOperations(ctx, ledgersync.EntityProduct, clientID)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	require.EqualValues(t, 0, ops[0].BaseVersion)
	require.EqualValues(t, 1, ops[1].BaseVersion)
	require.EqualValues(t, 2, ops[2].BaseVersion)
	require.EqualValues(t, 3, ops[3].BaseVersion)
}

func TestEnqueue_InCallerTransaction(t *testing.T) {
	c := newTestClient(t, newFakeServer(), nil)
	ctx := context.Background()
	clientID, _, err := c.Create(ctx, ledgersync.EntityPayment, json.RawMessage(`{"amount":10}`))
	require.NoError(t, err)

	tx, err := c.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	opID, err := c.Enqueue(ctx, tx, EnqueueRequest{
		EntityType:  ledgersync.EntityPayment,
		ClientID:    clientID,
		Operation:   ledgersync.OpUpdate,
		Payload:     json.RawMessage(`{"amount":12}`),
		BaseVersion: 7,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = c.GetOperation(ctx, opID)
	require.ErrorIs(t, err, ErrOperationNotFound)

	tx, err = c.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	opID, err = c.Enqueue(ctx, tx, EnqueueRequest{
		EntityType:  ledgersync.EntityPayment,
		ClientID:    clientID,
		Operation:   ledgersync.OpUpdate,
		Payload:     json.RawMessage(`{"amount":12}`),
		BaseVersion: 7,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	op, err := c.GetOperation(ctx, opID)
	require.NoError(t, err)
	require.EqualValues(t, 7, op.BaseVersion)
	require.Equal(t, OpQueued, op.Status)

	tx, err = c.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = c.Enqueue(ctx, tx, EnqueueRequest{EntityType: ledgersync.EntityPayment, ClientID: "not-a-uuid", Operation: ledgersync.OpCreate})
	require.Error(t, err)
	_, err = c.Enqueue(ctx, tx, EnqueueRequest{EntityType: ledgersync.EntityPayment, ClientID: clientID, Operation: "upsert"})
	require.Error(t, err)
}

func TestOperations_AreImmutable(t *testing.T) {
	c := newTestClient(t, newFakeServer(), nil)
	ctx := context.Background()
	_, opID, err := c.Create(ctx, ledgersync.EntityRate, json.RawMessage(`{"price":1}`))
	require.NoError(t, err)

	_, err = c.DB.Exec(`UPDATE _sync_operations SET payload = '{"price":2}' WHERE op_id = ?`, opID)
	require.ErrorContains(t, err, "immutable")
	_, err = c.DB.Exec(`UPDATE _sync_operations SET base_version = 9 WHERE op_id = ?`, opID)
	require.ErrorContains(t, err, "immutable")

	// Delivery bookkeeping stays writable
	_, err = c.DB.Exec(`UPDATE _sync_operations SET retry_count = 1 WHERE op_id = ?`, opID)
	require.NoError(t, err)
}
