package ledgersync

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPush_IdempotentReplay(t *testing.T) {
	svc := newIntegrationService(t, nil)
	ctx := context.Background()
	userID := uniqueUser()
	clientID := uuid.NewString()

	req := &PushRequest{DeviceID: "device-a", Operations: []OperationUpload{
		createOp(EntitySupplier, clientID, `{"name":"Green Leaf"}`),
		createOp(EntitySupplier, uuid.NewString(), `{"version":3}`),
	}}

	first, err := svc.ProcessPush(ctx, userID, "device-a", req)
	require.NoError(t, err)
	require.Equal(t, StAcknowledged, first.Results[0].Status)
	require.EqualValues(t, 1, first.Results[0].Version)
	require.Equal(t, StRejected, first.Results[1].Status)

	// Same op ids again, e.g. the response was lost in transit.
	second, err := svc.ProcessPush(ctx, userID, "device-a", req)
	require.NoError(t, err)
	require.Equal(t, first.Results, second.Results)

	var count int
	require.NoError(t, svc.Pool().QueryRow(ctx,
		`SELECT count(*) FROM sync.records WHERE user_id = $1`, userID).Scan(&count))
	require.Equal(t, 1, count)

	entries, err := svc.ListAudit(ctx, userID, EntitySupplier, "", 0)
	require.NoError(t, err)
	replays := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Outcome, "replay:") {
			replays++
		}
	}
	require.Equal(t, 2, replays)
}

func TestPush_OpIDOwnedByAnotherUser(t *testing.T) {
	svc := newIntegrationService(t, nil)
	op := createOp(EntityProduct, uuid.NewString(), `{"name":"Tea"}`)

	res := mustPush(t, svc, uniqueUser(), "device-a", op)
	require.Equal(t, StAcknowledged, res[0].Status)

	res = mustPush(t, svc, uniqueUser(), "device-b", op)
	require.Equal(t, StRejected, res[0].Status)
	require.Equal(t, ReasonOpIDReused, res[0].Reason)
}

func TestPush_CreateForExistingClientID(t *testing.T) {
	svc := newIntegrationService(t, nil)
	userID := uniqueUser()
	clientID := uuid.NewString()

	first := mustPush(t, svc, userID, "device-a", createOp(EntityRate, clientID, `{"price":10}`))
	second := mustPush(t, svc, userID, "device-a", createOp(EntityRate, clientID, `{"price":99}`))
	require.Equal(t, StAcknowledged, second[0].Status)
	require.Equal(t, first[0].ServerID, second[0].ServerID)
	require.EqualValues(t, 1, second[0].Version)

	records, _ := pullAll(t, svc, userID, "device-a", EntityRate, 0, 10)
	require.Len(t, records, 1)
	require.JSONEq(t, `{"price":10}`, string(records[0].Payload))
}

func TestPush_VersionsIncreaseByOne(t *testing.T) {
	svc := newIntegrationService(t, nil)
	userID := uniqueUser()
	clientID := uuid.NewString()

	res := mustPush(t, svc, userID, "device-a", createOp(EntityProduct, clientID, `{"name":"v1"}`))
	serverID := res[0].ServerID
	require.NotEmpty(t, serverID)

	for base := int64(1); base <= 3; base++ {
		res = mustPush(t, svc, userID, "device-a",
			updateOp(EntityProduct, clientID, serverID, base, `{"name":"next"}`))
		require.Equal(t, StAcknowledged, res[0].Status)
		require.Equal(t, base+1, res[0].Version)
	}

	// A stale base version loses and leaves the record untouched.
	res = mustPush(t, svc, userID, "device-a", updateOp(EntityProduct, clientID, serverID, 2, `{"name":"stale"}`))
	require.Equal(t, StConflict, res[0].Status)
	require.Equal(t, ConflictUpdate, res[0].Conflict.ConflictType)
	require.EqualValues(t, 4, res[0].Version)

	records, _ := pullAll(t, svc, userID, "device-a", EntityProduct, 0, 10)
	require.Len(t, records, 1)
	require.EqualValues(t, 4, records[0].Version)
	require.JSONEq(t, `{"name":"next"}`, string(records[0].Payload))
}

// Two devices edit collection 42 from version 5: the first push wins, the second
// gets a server-wins conflict carrying the winning state.
func TestPush_ConcurrentEditServerWins(t *testing.T) {
	svc := newIntegrationService(t, nil)
	ctx := context.Background()
	userID := uniqueUser()
	clientID := uuid.NewString()

	res := mustPush(t, svc, userID, "device-a", createOp(EntityCollection, clientID, `{"ref":"42","amount":100}`))
	serverID := res[0].ServerID
	for base := int64(1); base < 5; base++ {
		res = mustPush(t, svc, userID, "device-a", updateOp(EntityCollection, clientID, serverID, base, `{"ref":"42","amount":100}`))
	}
	require.EqualValues(t, 5, res[0].Version)

	res = mustPush(t, svc, userID, "device-a", updateOp(EntityCollection, clientID, serverID, 5, `{"ref":"42","amount":120}`))
	require.Equal(t, StAcknowledged, res[0].Status)
	require.EqualValues(t, 6, res[0].Version)

	res = mustPush(t, svc, userID, "device-b", updateOp(EntityCollection, clientID, serverID, 5, `{"ref":"42","amount":150}`))
	require.Equal(t, StConflict, res[0].Status)
	require.Equal(t, ConflictUpdate, res[0].Conflict.ConflictType)
	require.Equal(t, ResolutionServerWins, res[0].Conflict.Resolution)
	require.EqualValues(t, 6, res[0].Conflict.ServerVersion)
	require.JSONEq(t, `{"ref":"42","amount":120}`, string(res[0].Conflict.ServerPayload))

	conflicts, err := svc.ListConflicts(ctx, userID, EntityCollection, "", 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, "device-b", conflicts[0].DeviceID)
	require.EqualValues(t, 5, conflicts[0].ClientVersion)
	require.JSONEq(t, `{"ref":"42","amount":150}`, string(conflicts[0].ClientPayload))
	require.Equal(t, "policy:"+ResolutionServerWins, conflicts[0].ResolvedBy)
	require.NotNil(t, conflicts[0].ResolvedAt)

	records, _ := pullAll(t, svc, userID, "device-b", EntityCollection, 0, 10)
	require.Len(t, records, 1)
	require.EqualValues(t, 6, records[0].Version)
	require.JSONEq(t, `{"ref":"42","amount":120}`, string(records[0].Payload))
}

func TestPush_ParallelWritersExactlyOneWins(t *testing.T) {
	svc := newIntegrationService(t, nil)
	userID := uniqueUser()
	clientID := uuid.NewString()
	res := mustPush(t, svc, userID, "device-a", createOp(EntityPayment, clientID, `{"amount":10}`))
	serverID := res[0].ServerID

	const writers = 4
	results := make([]OperationResult, writers)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			resp, err := svc.ProcessPush(context.Background(), userID, "device-x", &PushRequest{Operations: []OperationUpload{
				updateOp(EntityPayment, clientID, serverID, 1, `{"amount":20}`),
			}})
			if err != nil {
				return err
			}
			results[i] = resp.Results[0]
			return nil
		})
	}
	require.NoError(t, g.Wait())

	acks := 0
	for _, r := range results {
		if r.Status == StAcknowledged {
			acks++
			require.EqualValues(t, 2, r.Version)
		} else {
			require.Equal(t, StConflict, r.Status)
		}
	}
	require.Equal(t, 1, acks)
}

func TestPush_LaterOpsOnConflictedEntityAlsoConflict(t *testing.T) {
	svc := newIntegrationService(t, nil)
	userID := uniqueUser()
	clientID := uuid.NewString()
	res := mustPush(t, svc, userID, "device-a", createOp(EntitySupplier, clientID, `{"name":"a"}`))
	serverID := res[0].ServerID
	mustPush(t, svc, userID, "device-a", updateOp(EntitySupplier, clientID, serverID, 1, `{"name":"b"}`))

	res = mustPush(t, svc, userID, "device-b",
		updateOp(EntitySupplier, clientID, serverID, 1, `{"name":"c"}`),
		updateOp(EntitySupplier, clientID, serverID, 2, `{"name":"d"}`),
		createOp(EntitySupplier, uuid.NewString(), `{"name":"unrelated"}`),
	)
	require.Equal(t, StConflict, res[0].Status)
	require.Equal(t, StConflict, res[1].Status)
	require.Equal(t, StAcknowledged, res[2].Status)

	records, _ := pullAll(t, svc, userID, "device-a", EntitySupplier, 0, 10)
	require.Len(t, records, 2)
	require.JSONEq(t, `{"name":"b"}`, string(records[0].Payload))
	require.EqualValues(t, 2, records[0].Version)
}

func TestPush_DeleteAndMissingRecords(t *testing.T) {
	svc := newIntegrationService(t, nil)
	userID := uniqueUser()
	clientID := uuid.NewString()
	res := mustPush(t, svc, userID, "device-a", createOp(EntityRate, clientID, `{"price":5}`))
	serverID := res[0].ServerID

	// Stale delete.
	mustPush(t, svc, userID, "device-a", updateOp(EntityRate, clientID, serverID, 1, `{"price":6}`))
	res = mustPush(t, svc, userID, "device-b", deleteOp(EntityRate, clientID, serverID, 1))
	require.Equal(t, StConflict, res[0].Status)
	require.Equal(t, ConflictDelete, res[0].Conflict.ConflictType)

	res = mustPush(t, svc, userID, "device-a", deleteOp(EntityRate, clientID, serverID, 2))
	require.Equal(t, StAcknowledged, res[0].Status)
	require.EqualValues(t, 3, res[0].Version)

	// Updates against a deleted or unknown record are version mismatches.
	res = mustPush(t, svc, userID, "device-b", updateOp(EntityRate, clientID, serverID, 3, `{"price":7}`))
	require.Equal(t, StConflict, res[0].Status)
	require.Equal(t, ConflictVersionMismatch, res[0].Conflict.ConflictType)
	require.NotNil(t, res[0].Conflict.DeletedAt)

	res = mustPush(t, svc, userID, "device-b", updateOp(EntityRate, uuid.NewString(), uuid.NewString(), 1, `{"price":7}`))
	require.Equal(t, StConflict, res[0].Status)
	require.Equal(t, ConflictVersionMismatch, res[0].Conflict.ConflictType)
	require.Empty(t, res[0].ServerID)

	records, _ := pullAll(t, svc, userID, "device-b", EntityRate, 0, 10)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].DeletedAt)
	require.JSONEq(t, `{"price":6}`, string(records[0].Payload))
}

func TestPush_ServerIDOfAnotherRecordIsRejected(t *testing.T) {
	svc := newIntegrationService(t, nil)
	userID := uniqueUser()
	a, b := uuid.NewString(), uuid.NewString()
	res := mustPush(t, svc, userID, "device-a",
		createOp(EntityProduct, a, `{"name":"a"}`),
		createOp(EntityProduct, b, `{"name":"b"}`))

	res = mustPush(t, svc, userID, "device-a", updateOp(EntityProduct, a, res[1].ServerID, 1, `{"name":"x"}`))
	require.Equal(t, StRejected, res[0].Status)
	require.Equal(t, ReasonBadPayload, res[0].Reason)
}

func TestPush_StoredResultDecodes(t *testing.T) {
	svc := newIntegrationService(t, nil)
	ctx := context.Background()
	userID := uniqueUser()
	op := createOp(EntityPayment, uuid.NewString(), `{"amount":1}`)
	res := mustPush(t, svc, userID, "device-a", op)

	var status string
	var raw []byte
	require.NoError(t, svc.Pool().QueryRow(ctx,
		`SELECT status, result FROM sync.operations WHERE op_id = $1::uuid`, op.OpID).Scan(&status, &raw))
	require.Equal(t, StAcknowledged, status)
	var stored OperationResult
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, res[0], stored)
}
