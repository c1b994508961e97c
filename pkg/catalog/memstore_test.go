package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rucio/rucio-go/pkg/daemon"
	"github.com/rucio/rucio-go/pkg/errors"
	"github.com/rucio/rucio-go/pkg/types"
)

func TestMemStoreDIDContainmentAndExpansion(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "container.1", Kind: types.DIDKindContainer, IsOpen: true}))
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "dataset.1", Kind: types.DIDKindDataset, IsOpen: true}))
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "file.1", Kind: types.DIDKindFile, Bytes: 10}))
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "file.2", Kind: types.DIDKindFile, Bytes: 20}))

	require.NoError(t, s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "container.1", ChildScope: "test", ChildName: "dataset.1"}))
	require.NoError(t, s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "dataset.1", ChildScope: "test", ChildName: "file.1"}))
	require.NoError(t, s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "dataset.1", ChildScope: "test", ChildName: "file.2"}))

	files, err := s.ExpandToFiles(ctx, "test", "container.1")
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, "file.1", files[0].Name)
	assert.Equal(t, "file.2", files[1].Name)
}

func TestMemStoreAttachChildKindViolations(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "container.1", Kind: types.DIDKindContainer, IsOpen: true}))
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "dataset.1", Kind: types.DIDKindDataset, IsOpen: true}))
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "file.1", Kind: types.DIDKindFile}))
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "file.2", Kind: types.DIDKindFile}))

	err := s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "container.1", ChildScope: "test", ChildName: "file.1"})
	require.Error(t, err, "a container may not directly contain a file")
	assert.Equal(t, errors.KindInput, errors.KindOf(err))

	err = s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "dataset.1", ChildScope: "test", ChildName: "container.1"})
	require.Error(t, err, "a dataset may only contain files")
	assert.Equal(t, errors.KindInput, errors.KindOf(err))

	require.NoError(t, s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "dataset.1", ChildScope: "test", ChildName: "file.1"}))
	err = s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "file.1", ChildScope: "test", ChildName: "file.2"})
	require.Error(t, err, "a file cannot contain children")
	assert.Equal(t, errors.KindInput, errors.KindOf(err))
}

func TestMemStoreAttachChildCycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "c1", Kind: types.DIDKindContainer, IsOpen: true}))
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "c2", Kind: types.DIDKindContainer, IsOpen: true}))
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "c3", Kind: types.DIDKindContainer, IsOpen: true}))

	require.NoError(t, s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "c1", ChildScope: "test", ChildName: "c2"}))
	require.NoError(t, s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "c2", ChildScope: "test", ChildName: "c3"}))

	err := s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "c3", ChildScope: "test", ChildName: "c1"})
	require.Error(t, err, "closing the loop back to c1 must be rejected")
	assert.Equal(t, errors.KindInput, errors.KindOf(err))

	err = s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "c1", ChildScope: "test", ChildName: "c1"})
	require.Error(t, err, "a DID cannot contain itself")
}

func TestMemStoreAttachChildClosedDataset(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "dataset.1", Kind: types.DIDKindDataset, IsOpen: false}))
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "file.1", Kind: types.DIDKindFile}))

	err := s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "dataset.1", ChildScope: "test", ChildName: "file.1"})
	require.Error(t, err, "a closed dataset must reject new content")
	assert.Equal(t, errors.KindUnsupportedState, errors.KindOf(err))
}

func TestMemStoreDetachChildMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "dataset.1", Kind: types.DIDKindDataset, IsOpen: true, Monotonic: true}))
	require.NoError(t, s.InsertDID(ctx, &types.DID{Scope: "test", Name: "file.1", Kind: types.DIDKindFile}))
	require.NoError(t, s.AttachChild(ctx, types.ContainmentEdge{ParentScope: "test", ParentName: "dataset.1", ChildScope: "test", ChildName: "file.1"}))

	err := s.DetachChild(ctx, "test", "dataset.1", "test", "file.1")
	require.Error(t, err, "a monotonic dataset must never release content")
	assert.Equal(t, errors.KindUnsupportedState, errors.KindOf(err))

	children, lerr := s.ListChildren(ctx, "test", "dataset.1")
	require.NoError(t, lerr)
	assert.Len(t, children, 1, "the rejected detach must leave the edge in place")
}

func TestMemStoreInsertDIDInvalidKind(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	err := s.InsertDID(ctx, &types.DID{Scope: "test", Name: "bogus", Kind: types.DIDKind("BOGUS")})
	require.Error(t, err)
	assert.Equal(t, errors.KindInput, errors.KindOf(err))
}

func TestMemStoreInsertDIDDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	did := &types.DID{Scope: "test", Name: "file.1", Kind: types.DIDKindFile}
	require.NoError(t, s.InsertDID(ctx, did))
	err := s.InsertDID(ctx, did)
	require.Error(t, err)
	assert.Equal(t, errors.KindDuplicate, errors.KindOf(err))
}

func TestMemStoreRSEAttributesAndExpression(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.AddRSE(ctx, &types.RSE{ID: "rse1", Name: "RSE1", Available: true}))

	require.NoError(t, s.AddRSEAttribute(ctx, "rse1", "tier", "2"))
	err := s.AddRSEAttribute(ctx, "rse1", "tier", "2")
	require.Error(t, err)
	assert.Equal(t, errors.KindDuplicate, errors.KindOf(err))

	attrs, err := s.ListRSEAttributes(ctx, "rse1")
	require.NoError(t, err)
	assert.Equal(t, "2", attrs["tier"])

	_, err = s.GetRSE(ctx, "nonexistent")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestMemStoreReplicaLifecycleAndLockCnt(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.AddRSE(ctx, &types.RSE{ID: "rse1", Name: "RSE1", Available: true}))
	require.NoError(t, s.AddReplica(ctx, &types.Replica{RSEID: "rse1", Scope: "test", Name: "file.1", State: types.ReplicaAvailable}))

	lock := &types.Lock{RuleID: "rule1", RSEID: "rse1", Scope: "test", Name: "file.1", State: types.LockReplicating}
	require.NoError(t, s.CreateLock(ctx, lock))

	r, err := s.GetReplica(ctx, "rse1", "test", "file.1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.LockCnt)
	assert.Nil(t, r.Tombstone)

	require.NoError(t, s.DeleteLock(ctx, "rule1", "rse1", "test", "file.1"))
	r, err = s.GetReplica(ctx, "rse1", "test", "file.1")
	require.NoError(t, err)
	assert.Equal(t, 0, r.LockCnt)

	err = s.UpdateReplicasStates(ctx, []ReplicaStateUpdate{
		{RSEID: "rse1", Scope: "test", Name: "file.1", State: types.ReplicaBad},
		{RSEID: "rse1", Scope: "test", Name: "missing", State: types.ReplicaBad},
	}, false)
	require.Error(t, err)

	r, err = s.GetReplica(ctx, "rse1", "test", "file.1")
	require.NoError(t, err)
	assert.Equal(t, types.ReplicaAvailable, r.State, "a failing batch member must leave every replica untouched")
}

func TestMemStoreGroundLockAtomicity(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.AddRSE(ctx, &types.RSE{ID: "rse1", Name: "RSE1", Available: true}))
	require.NoError(t, s.AddReplica(ctx, &types.Replica{RSEID: "rse1", Scope: "test", Name: "file.1", State: types.ReplicaUnavailable}))

	lock := &types.Lock{RuleID: "rule1", RSEID: "rse1", Scope: "test", Name: "file.1", State: types.LockReplicating}
	req := &types.Request{ID: "req1", RequestType: types.RequestTypeTransfer, Scope: "test", Name: "file.1", DestRSEID: "rse1", RuleID: "rule1", State: types.RequestQueued}
	require.NoError(t, s.GroundLock(ctx, lock, req))

	gotReq, err := s.GetRequest(ctx, "req1")
	require.NoError(t, err)
	assert.Equal(t, types.RequestQueued, gotReq.State)

	r, err := s.GetReplica(ctx, "rse1", "test", "file.1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.LockCnt)

	// Grounding a duplicate lock must fail and never touch the request table.
	err = s.GroundLock(ctx, lock, &types.Request{ID: "req2", RequestType: types.RequestTypeTransfer})
	require.Error(t, err)
	_, err = s.GetRequest(ctx, "req2")
	require.Error(t, err)
}

func TestMemStoreRuleDuplicateDetection(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	dids := []types.DIDRef{{Scope: "test", Name: "dataset.1"}}
	require.NoError(t, s.AddRule(ctx, &types.Rule{
		ID: "rule1", Account: "alice", DIDs: dids, Copies: 2,
		RSEExpression: "tier=2", Grouping: types.GroupingDataset, State: types.RuleReplicating,
	}))

	_, found, err := s.FindDuplicateRule(ctx, "alice", dids, "tier=2", 2, types.GroupingDataset)
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = s.FindDuplicateRule(ctx, "alice", dids, "tier=2", 3, types.GroupingDataset)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemStoreListRulesFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.AddRule(ctx, &types.Rule{ID: "r1", Account: "alice", State: types.RuleOK}))
	require.NoError(t, s.AddRule(ctx, &types.Rule{ID: "r2", Account: "bob", State: types.RuleStuck}))

	rules, err := s.ListRules(ctx, RuleFilter{Account: "alice"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)

	rules, err = s.ListRules(ctx, RuleFilter{State: types.RuleStuck})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r2", rules[0].ID)
}

func TestMemStoreGetNextShardedAndAge(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		require.NoError(t, s.InsertRequest(ctx, &types.Request{
			ID: id, RequestType: types.RequestTypeTransfer, State: types.RequestQueued,
		}))
	}

	all := daemon.ShardSpec{Index: 0, Total: 1}
	reqs, err := s.GetNext(ctx, types.RequestTypeTransfer, types.RequestQueued, 0, all)
	require.NoError(t, err)
	assert.Len(t, reqs, 10)

	shard0, err := s.GetNext(ctx, types.RequestTypeTransfer, types.RequestQueued, 0, daemon.ShardSpec{Index: 0, Total: 2})
	require.NoError(t, err)
	shard1, err := s.GetNext(ctx, types.RequestTypeTransfer, types.RequestQueued, 0, daemon.ShardSpec{Index: 1, Total: 2})
	require.NoError(t, err)
	assert.Equal(t, 10, len(shard0)+len(shard1), "every request must be owned by exactly one shard")
}

func TestMemStoreTryLockNowait(t *testing.T) {
	s := NewMemStore()
	unlock, ok := s.TryLock("replica:rse1:test:file.1")
	require.True(t, ok)

	_, ok = s.TryLock("replica:rse1:test:file.1")
	assert.False(t, ok, "a contended resource must fail nowait rather than block")

	unlock()
	_, ok = s.TryLock("replica:rse1:test:file.1")
	assert.True(t, ok, "unlocking must release the resource for the next nowait attempt")
}

func TestMemStoreCounterDrain(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.EnqueueAccountDelta(ctx, "alice", "rse1", 100, 1))
	require.NoError(t, s.EnqueueAccountDelta(ctx, "alice", "rse1", 50, 1))
	require.NoError(t, s.EnqueueRSEDelta(ctx, "rse1", 150, 2))

	ad, rd, err := s.DrainDeltas(ctx)
	require.NoError(t, err)
	assert.Len(t, ad, 2)
	assert.Len(t, rd, 1)

	c, err := s.GetAccountCounter(ctx, "alice", "rse1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), c.Bytes)
	assert.Equal(t, int64(2), c.Files)

	rc, err := s.GetRSECounter(ctx, "rse1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), rc.Bytes)

	// Draining again must return nothing new; counters are unaffected.
	ad, rd, err = s.DrainDeltas(ctx)
	require.NoError(t, err)
	assert.Empty(t, ad)
	assert.Empty(t, rd)
}
