package ledgerlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

func TestDrain_FIFOAndEntityBlocking(t *testing.T) {
	c := newTestClient(t, newFakeServer(), nil)
	ctx := context.Background()

	a, _, err := c.Create(ctx, ledgersync.EntitySupplier, json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)
	b, _, err := c.Create(ctx, ledgersync.EntitySupplier, json.RawMessage(`{"name":"b"}`))
	require.NoError(t, err)
	_, err = c.Update(ctx, ledgersync.EntitySupplier, a, json.RawMessage(`{"name":"a2"}`))
	require.NoError(t, err)
	_, _, err = c.Create(ctx, ledgersync.EntityRate, json.RawMessage(`{"price":3}`))
	require.NoError(t, err)

	ops, err := c.Drain(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	for i := 1; i < len(ops); i++ {
		require.Less(t, ops[i-1].Seq, ops[i].Seq)
	}

	ops, err = c.Drain(ctx, ledgersync.EntityRate, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	ops, err = c.Drain(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	// An in-flight head holds back the rest of its entity only
	first, err := c.Drain(ctx, ledgersync.EntitySupplier, 1)
	require.NoError(t, err)
	require.Equal(t, a, first[0].ClientID)
	flagged, err := c.markInFlight(ctx, first)
	require.NoError(t, err)
	require.Len(t, flagged, 1)

	ops, err = c.Drain(ctx, ledgersync.EntitySupplier, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, b, ops[0].ClientID)
}

func TestBackoffFor(t *testing.T) {
	c := newTestClient(t, newFakeServer(), func(cfg *Config) {
		cfg.BackoffMin = time.Second
		cfg.BackoffMax = 60 * time.Second
	})
	require.Equal(t, time.Second, c.backoffFor(1))
	require.Equal(t, 2*time.Second, c.backoffFor(2))
	require.Equal(t, 4*time.Second, c.backoffFor(3))
	require.Equal(t, 60*time.Second, c.backoffFor(7))
	require.Equal(t, 60*time.Second, c.backoffFor(30))

	c.config.BackoffMin = 0
	require.Zero(t, c.backoffFor(5))
}

func TestPush_FailureWaitsOutBackoff(t *testing.T) {
	server := newFakeServer()
	server.pushErr = func(*ledgersync.PushRequest) error { return errNetwork }
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, server, func(cfg *Config) {
		cfg.BackoffMin = time.Minute
		cfg.BackoffMax = time.Hour
		cfg.Clock = func() time.Time { return now }
	})
	ctx := context.Background()
	clientID, opID, err := c.Create(ctx, ledgersync.EntityCollection, json.RawMessage(`{"amount":5}`))
	require.NoError(t, err)

	_, err = c.Push(ctx)
	require.ErrorIs(t, err, errNetwork)

	op, err := c.GetOperation(ctx, opID)
	require.NoError(t, err)
	require.Equal(t, OpQueued, op.Status)
	require.Equal(t, 1, op.RetryCount)
	require.True(t, now.Add(time.Minute).Equal(*op.NextAttemptAt))
	require.Contains(t, op.LastError, "connection reset")

	ops, err := c.Drain(ctx, "", 10)
	require.NoError(t, err)
	require.Empty(t, ops)

	res, err := c.Push(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Sent)
	require.Len(t, server.pushSizes, 1)

	now = now.Add(2 * time.Minute)
	server.pushErr = nil
	res, err = c.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Acknowledged)

	rec, err := c.Get(ctx, ledgersync.EntityCollection, clientID)
	require.NoError(t, err)
	require.Equal(t, StatusSynced, rec.SyncStatus)
	require.False(t, rec.IsDirty)
	require.NotEmpty(t, rec.ServerID)
}

func TestPush_RetriesExhaustedThenRetryFailed(t *testing.T) {
	server := newFakeServer()
	server.pushErr = func(*ledgersync.PushRequest) error { return errNetwork }
	c := newTestClient(t, server, nil)
	ctx := context.Background()
	events, unsubscribe := c.Subscribe(8)
	defer unsubscribe()

	clientID, opID, err := c.Create(ctx, ledgersync.EntitySupplier, json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)
	_, err = c.Update(ctx, ledgersync.EntitySupplier, clientID, json.RawMessage(`{"name":"b"}`))
	require.NoError(t, err)

	var res *PushResult
	for i := 0; i < 3; i++ {
		res, err = c.Push(ctx)
		require.Error(t, err)
	}
	require.Equal(t, 2, res.Failed)

	failed, err := c.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	require.Equal(t, opID, failed[0].OpID)
	require.Equal(t, 3, failed[0].RetryCount)

	rec, err := c.Get(ctx, ledgersync.EntitySupplier, clientID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.SyncStatus)

	ev := <-events
	require.Equal(t, EventOperationFailed, ev.Type)
	require.Equal(t, opID, ev.OpID)

	// Failed operations stay put until retried explicitly
	res, err = c.Push(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Sent)

	server.pushErr = nil
	require.NoError(t, c.RetryFailed(ctx, opID))
	require.ErrorIs(t, c.RetryFailed(ctx, opID), ErrOperationNotFound)

	// Only the retried head goes out; the update waits for its own retry
	res, err = c.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Acknowledged)
	require.Equal(t, []string{OpAcknowledged, OpFailed}, opStatuses(t, c, ledgersync.EntitySupplier, clientID))

	require.NoError(t, c.RetryFailed(ctx, failed[1].OpID))
	res, err = c.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Acknowledged)

	rec, err = c.Get(ctx, ledgersync.EntitySupplier, clientID)
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.Version)
	require.Equal(t, StatusSynced, rec.SyncStatus)
	require.EqualValues(t, 2, server.record(ledgersync.EntitySupplier, clientID).version)
}

func TestNewClient_RecoversInFlight(t *testing.T) {
	db := openTestDB(t)
	server := newFakeServer()
	c := newTestClientOn(t, db, server, nil)
	ctx := context.Background()

	clientID, opID, err := c.Create(ctx, ledgersync.EntityRate, json.RawMessage(`{"price":9}`))
	require.NoError(t, err)
	ops, err := c.Drain(ctx, "", 10)
	require.NoError(t, err)
	_, err = c.markInFlight(ctx, ops)
	require.NoError(t, err)

	// The process dies here; a new client over the same file picks up
	restarted := newTestClientOn(t, db, server, nil)
	op, err := restarted.GetOperation(ctx, opID)
	require.NoError(t, err)
	require.Equal(t, OpQueued, op.Status)
	require.Zero(t, op.RetryCount)

	res, err := restarted.Push(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Acknowledged)
	require.NotNil(t, server.record(ledgersync.EntityRate, clientID))
}

func TestPurgeArchived(t *testing.T) {
	server := newFakeServer()
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, server, func(cfg *Config) {
		cfg.Clock = func() time.Time { return now }
	})
	ctx := context.Background()

	clientID, _, err := c.Create(ctx, ledgersync.EntityProduct, json.RawMessage(`{"sku":"a"}`))
	require.NoError(t, err)
	_, err = c.Push(ctx)
	require.NoError(t, err)
	_, err = c.Update(ctx, ledgersync.EntityProduct, clientID, json.RawMessage(`{"sku":"b"}`))
	require.NoError(t, err)

	n, err := c.PurgeArchived(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = c.PurgeArchived(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, []string{OpQueued}, opStatuses(t, c, ledgersync.EntityProduct, clientID))
}
