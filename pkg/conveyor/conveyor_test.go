package conveyor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rucio/rucio-go/pkg/catalog"
	"github.com/rucio/rucio-go/pkg/types"
)

type fakeTool struct{}

func (fakeTool) Submit(ctx context.Context, bulk []TransferJob) (string, error) { return "", nil }
func (fakeTool) BulkQuery(ctx context.Context, ids []string) (map[string]QueryResult, error) {
	return nil, nil
}
func (fakeTool) Cancel(ctx context.Context, transferID string) error { return nil }

func newTestCoordinator(t *testing.T) (*Coordinator, catalog.Store) {
	t.Helper()
	store := catalog.NewMemStore()
	return NewCoordinator(store, fakeTool{}, nil, zerolog.Nop()), store
}

func seedReplicatingLock(t *testing.T, store catalog.Store, ruleID, rseID, scope, name string, bytes int64) *types.Request {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.InsertDID(ctx, &types.DID{Scope: scope, Name: name, Kind: types.DIDKindFile, Bytes: bytes, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.AddRSE(ctx, &types.RSE{ID: rseID, Name: rseID, Available: true, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.AddReplica(ctx, &types.Replica{RSEID: rseID, Scope: scope, Name: name, State: types.ReplicaUnavailable, Bytes: bytes, CreatedAt: now, UpdatedAt: now}))
	req := &types.Request{
		ID: "req1", RequestType: types.RequestTypeTransfer, Scope: scope, Name: name,
		DestRSEID: rseID, RuleID: ruleID, State: types.RequestSubmitted, Activity: "default",
		ExternalID: "xfer-1", ExternalHost: "https://fts.example:8446", Bytes: bytes,
	}
	lock := &types.Lock{RuleID: ruleID, RSEID: rseID, Scope: scope, Name: name, State: types.LockReplicating, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.GroundLock(ctx, lock, req))
	return req
}

// Scenario 5: transfer DONE transitions replica to AVAILABLE, lock to OK,
// and emits a transfer-done monitor message.
func TestUpdateRequestStateDoneTransitionsReplicaAndLock(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	req := seedReplicatingLock(t, store, "rule1", "R1", "test", "f1", 100)

	changed, err := c.UpdateRequestState(ctx, QueryResult{
		RequestID: req.ID, ExternalID: "xfer-1", NewState: types.RequestDone,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	updated, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RequestDone, updated.State)

	require.NoError(t, c.HandleTerminatedReplicas(ctx, []*types.Request{updated}))

	replica, err := store.GetReplica(ctx, "R1", "test", "f1")
	require.NoError(t, err)
	assert.Equal(t, types.ReplicaAvailable, replica.State)

	lock, err := store.GetLock(ctx, "rule1", "R1", "test", "f1")
	require.NoError(t, err)
	assert.Equal(t, types.LockOK, lock.State)

	messages, err := store.ListMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "transfer-done", messages[0].EventType)
	assert.Equal(t, "xfer-1", messages[0].Payload["transfer-id"])
	assert.Equal(t, req.ID, messages[0].Payload["request-id"])
}

func TestUpdateRequestStateEmptyNewStateTouchesOnly(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	req := seedReplicatingLock(t, store, "rule1", "R1", "test", "f1", 100)
	before, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)

	changed, err := c.UpdateRequestState(ctx, QueryResult{RequestID: req.ID, NewState: ""})
	require.NoError(t, err)
	assert.False(t, changed)

	after, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt) || after.UpdatedAt.Equal(before.UpdatedAt))
	assert.Equal(t, before.State, after.State)
}

func TestUpdateRequestStateMismatchedExternalIDIsNoop(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	req := seedReplicatingLock(t, store, "rule1", "R1", "test", "f1", 100)

	changed, err := c.UpdateRequestState(ctx, QueryResult{RequestID: req.ID, ExternalID: "wrong-id", NewState: types.RequestDone})
	require.NoError(t, err)
	assert.False(t, changed)

	unchanged, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RequestSubmitted, unchanged.State)
}

// Scenario 6: transfer LOST with no retries left marks the replica
// UNAVAILABLE and the lock STUCK; with retries remaining the request is
// requeued in place and the lock stays REPLICATING.
func TestHandleTerminatedReplicasLostExhaustedRetriesMarksUnavailable(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	req := seedReplicatingLock(t, store, "rule1", "R1", "test", "f1", 100)
	req.RetryCount = 3
	req.State = types.RequestLost
	require.NoError(t, store.UpdateRequest(ctx, req))

	require.NoError(t, c.HandleTerminatedReplicas(ctx, []*types.Request{req}))

	replica, err := store.GetReplica(ctx, "R1", "test", "f1")
	require.NoError(t, err)
	assert.Equal(t, types.ReplicaUnavailable, replica.State)

	lock, err := store.GetLock(ctx, "rule1", "R1", "test", "f1")
	require.NoError(t, err)
	assert.Equal(t, types.LockStuck, lock.State)

	_, err = store.GetRequest(ctx, req.ID)
	require.Error(t, err)
}

func TestHandleTerminatedReplicasLostWithRetriesRequeues(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	req := seedReplicatingLock(t, store, "rule1", "R1", "test", "f1", 100)
	req.RetryCount = 0
	req.State = types.RequestLost
	require.NoError(t, store.UpdateRequest(ctx, req))

	require.NoError(t, c.HandleTerminatedReplicas(ctx, []*types.Request{req}))

	requeued, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RequestQueued, requeued.State)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Empty(t, requeued.ExternalID)

	lock, err := store.GetLock(ctx, "rule1", "R1", "test", "f1")
	require.NoError(t, err)
	assert.Equal(t, types.LockReplicating, lock.State, "lock stays REPLICATING while the request is retried")
}

// STAGEIN requests settle without a destination replica-state transition
// (§4.5): the lock and request still resolve, but the replica is untouched.
func TestHandleTerminatedReplicasStageinSkipsReplicaStateTransition(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.InsertDID(ctx, &types.DID{Scope: "test", Name: "f1", Kind: types.DIDKindFile, Bytes: 10, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.AddRSE(ctx, &types.RSE{ID: "TAPE1", Name: "TAPE1", Available: true, StagingArea: true, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.AddReplica(ctx, &types.Replica{RSEID: "TAPE1", Scope: "test", Name: "f1", State: types.ReplicaSource, Bytes: 10, CreatedAt: now, UpdatedAt: now}))

	req := &types.Request{
		ID: "stage1", RequestType: types.RequestTypeStagein, Scope: "test", Name: "f1",
		DestRSEID: "TAPE1", RuleID: "rule1", State: types.RequestDone, Bytes: 10, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.InsertRequest(ctx, req))
	require.NoError(t, store.CreateLock(ctx, &types.Lock{RuleID: "rule1", RSEID: "TAPE1", Scope: "test", Name: "f1", State: types.LockReplicating, CreatedAt: now, UpdatedAt: now}))

	require.NoError(t, c.HandleTerminatedReplicas(ctx, []*types.Request{req}))

	replica, err := store.GetReplica(ctx, "TAPE1", "test", "f1")
	require.NoError(t, err)
	assert.Equal(t, types.ReplicaSource, replica.State, "STAGEIN must settle without a destination replica-state transition")

	lock, err := store.GetLock(ctx, "rule1", "TAPE1", "test", "f1")
	require.NoError(t, err)
	assert.Equal(t, types.LockOK, lock.State)

	_, err = store.GetRequest(ctx, req.ID)
	require.Error(t, err, "the terminated STAGEIN request must still be removed")
}

// job_m_replica responses carry only the winning src_url, not the source
// RSE; UpdateRequestState must resolve it via GetSourceRSE.
func TestUpdateRequestStateJobMReplicaResolvesSourceRSE(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	req := seedReplicatingLock(t, store, "rule1", "R1", "test", "f1", 100)
	require.NoError(t, store.AddRSE(ctx, &types.RSE{ID: "SRC1", Name: "SRC1", Available: true}))
	require.NoError(t, store.AddReplica(ctx, &types.Replica{RSEID: "SRC1", Scope: "test", Name: "f1", State: types.ReplicaAvailable, Path: "/store/data/test/f1"}))

	changed, err := c.UpdateRequestState(ctx, QueryResult{
		RequestID: req.ID, ExternalID: "xfer-1", NewState: types.RequestDone,
		JobMReplica: true, SrcURL: "https://src.example/store/data/test/f1",
	})
	require.NoError(t, err)
	assert.True(t, changed)

	messages, err := store.ListMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "SRC1", messages[0].Payload["src-rse"])
}

// Non-deterministic destination RSEs need their replica path derived from
// the settled PFN; deterministic RSEs need nothing stored. The fixtures'
// RSEs leave Deterministic at its zero value, so they are non-deterministic.
func TestHandleTerminatedReplicasDerivesPathForNonDeterministicRSE(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	req := seedReplicatingLock(t, store, "rule1", "R1", "test", "f1", 100)

	changed, err := c.UpdateRequestState(ctx, QueryResult{
		RequestID: req.ID, ExternalID: "xfer-1", NewState: types.RequestDone,
		DstURL: "https://r1.example:8443/store/data/test/f1",
	})
	require.NoError(t, err)
	assert.True(t, changed)

	updated, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)

	require.NoError(t, c.HandleTerminatedReplicas(ctx, []*types.Request{updated}))

	replica, err := store.GetReplica(ctx, "R1", "test", "f1")
	require.NoError(t, err)
	assert.Equal(t, "/store/data/test/f1", replica.Path)
}

func TestHandleOneReplicaQuarantinesUnknownReplica(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()
	now := time.Now()
	req := &types.Request{
		ID: "req-orphan", RequestType: types.RequestTypeTransfer, Scope: "test", Name: "ghost",
		DestRSEID: "R9", RuleID: "rule1", State: types.RequestDone, Bytes: 42, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.InsertRequest(ctx, req))

	err := c.handleOneReplica(ctx, terminatedReplica{
		update:  catalog.ReplicaStateUpdate{RSEID: "R9", Scope: "test", Name: "ghost", State: types.ReplicaAvailable},
		request: req,
	})
	require.NoError(t, err)

	replica, err := store.GetReplica(ctx, "R9", "test", "ghost")
	require.NoError(t, err)
	assert.NotNil(t, replica.Tombstone)

	_, err = store.GetRequest(ctx, req.ID)
	require.Error(t, err)
}
