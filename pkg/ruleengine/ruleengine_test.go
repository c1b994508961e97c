package ruleengine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rucio/rucio-go/pkg/catalog"
	"github.com/rucio/rucio-go/pkg/errors"
	"github.com/rucio/rucio-go/pkg/rseexpr"
	"github.com/rucio/rucio-go/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, catalog.Store) {
	t.Helper()
	store := catalog.NewMemStore()
	evaluator := rseexpr.NewEvaluator(store, 64, time.Minute)
	return NewEngine(store, evaluator, nil, zerolog.Nop()), store
}

func seedTier1RSEs(t *testing.T, store catalog.Store) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"R1", "R2", "R3", "R4", "R5"} {
		require.NoError(t, store.AddRSE(ctx, &types.RSE{ID: id, Name: id, Available: true}))
		require.NoError(t, store.SetRSEUsage(ctx, id, 1000, 500))
	}
	for _, id := range []string{"R1", "R3", "R5"} {
		require.NoError(t, store.AddRSEAttribute(ctx, id, "tier", "1"))
	}
	for _, id := range []string{"R2", "R4"} {
		require.NoError(t, store.AddRSEAttribute(ctx, id, "tier", "2"))
	}
}

func seedFiles(t *testing.T, store catalog.Store, scope, dataset string, files []string, bytesPerFile int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.InsertDID(ctx, &types.DID{Scope: scope, Name: dataset, Kind: types.DIDKindDataset, IsOpen: true, CreatedAt: now, UpdatedAt: now}))
	for _, name := range files {
		require.NoError(t, store.InsertDID(ctx, &types.DID{Scope: scope, Name: name, Kind: types.DIDKindFile, Bytes: bytesPerFile, CreatedAt: now, UpdatedAt: now}))
		require.NoError(t, store.AttachChild(ctx, types.ContainmentEdge{ParentScope: scope, ParentName: dataset, ChildScope: scope, ChildName: name, CreatedAt: now}))
	}
}

// Scenario 1: NONE grouping, 3 files, copies=2, expression matches {R1,R3,R5}.
func TestAddRuleNoneGroupingPicksFromCandidateSet(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedTier1RSEs(t, store)
	seedFiles(t, store, "test", "ds1", []string{"f1", "f2", "f3"}, 100)

	ruleID, err := engine.AddRule(ctx, AddRuleRequest{
		DIDs:          []types.DIDRef{{Scope: "test", Name: "ds1"}},
		Account:       "alice",
		Copies:        2,
		RSEExpression: "tier=1",
		Grouping:      types.GroupingNone,
	})
	require.NoError(t, err)

	allowed := map[string]bool{"R1": true, "R3": true, "R5": true}
	for _, f := range []string{"f1", "f2", "f3"} {
		locks, err := store.ListLocksByRule(ctx, ruleID)
		require.NoError(t, err)
		count := 0
		for _, l := range locks {
			if l.Name == f {
				count++
				assert.True(t, allowed[l.RSEID], "lock on %s must be within the candidate set, got %s", f, l.RSEID)
				assert.NotEqual(t, "R4", l.RSEID)
			}
		}
		assert.Equal(t, 2, count, "file %s must have exactly 2 locks", f)
	}
}

// Scenario 2: DATASET grouping, all files share the same 2-RSE set.
func TestAddRuleDatasetGroupingSharesDestinations(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedTier1RSEs(t, store)
	seedFiles(t, store, "test", "ds1", []string{"f1", "f2", "f3"}, 100)

	ruleID, err := engine.AddRule(ctx, AddRuleRequest{
		DIDs:          []types.DIDRef{{Scope: "test", Name: "ds1"}},
		Account:       "alice",
		Copies:        2,
		RSEExpression: "tier=1",
		Grouping:      types.GroupingDataset,
	})
	require.NoError(t, err)

	locks, err := store.ListLocksByRule(ctx, ruleID)
	require.NoError(t, err)
	perFile := make(map[string]map[string]bool)
	for _, l := range locks {
		if perFile[l.Name] == nil {
			perFile[l.Name] = make(map[string]bool)
		}
		perFile[l.Name][l.RSEID] = true
	}
	require.Len(t, perFile, 3)
	var reference map[string]bool
	for _, set := range perFile {
		if reference == nil {
			reference = set
			continue
		}
		assert.Equal(t, reference, set, "every file must share the same destination RSE set")
	}

	dsLocks, err := store.ListDatasetLocksByRule(ctx, ruleID)
	require.NoError(t, err)
	dsSet := make(map[string]bool)
	for _, dl := range dsLocks {
		dsSet[dl.RSEID] = true
	}
	assert.Equal(t, reference, dsSet)
}

// Scenario 3: locked rule blocks deletion until unlocked.
func TestDeleteRuleRespectsLockedFlag(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedTier1RSEs(t, store)
	seedFiles(t, store, "test", "ds1", []string{"f1"}, 100)

	ruleID, err := engine.AddRule(ctx, AddRuleRequest{
		DIDs:          []types.DIDRef{{Scope: "test", Name: "ds1"}},
		Account:       "alice",
		Copies:        1,
		RSEExpression: "tier=1",
		Grouping:      types.GroupingNone,
		Locked:        true,
	})
	require.NoError(t, err)

	err = engine.DeleteRule(ctx, ruleID)
	require.Error(t, err)
	assert.Equal(t, errors.KindPermissionQuota, errors.KindOf(err))

	require.NoError(t, engine.UpdateLockState(ctx, ruleID, false))
	require.NoError(t, engine.DeleteRule(ctx, ruleID))

	_, err = store.GetRule(ctx, ruleID)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

// Scenario 4: quota exceeded blocks admission entirely.
func TestAddRuleFailsOnInsufficientAccountLimit(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedTier1RSEs(t, store)
	seedFiles(t, store, "test", "ds1", []string{"f1", "f2", "f3"}, 100)
	require.NoError(t, store.SetAccountLimit(ctx, "alice", "R1", 5))

	_, err := engine.AddRule(ctx, AddRuleRequest{
		DIDs:          []types.DIDRef{{Scope: "test", Name: "ds1"}},
		Account:       "alice",
		Copies:        1,
		RSEExpression: "tier=1",
		Grouping:      types.GroupingAll,
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindPermissionQuota, errors.KindOf(err))

	rules, err := store.ListRules(ctx, catalog.RuleFilter{Account: "alice"})
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestAddRuleRejectsDuplicate(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedTier1RSEs(t, store)
	seedFiles(t, store, "test", "ds1", []string{"f1"}, 100)

	req := AddRuleRequest{
		DIDs:          []types.DIDRef{{Scope: "test", Name: "ds1"}},
		Account:       "alice",
		Copies:        1,
		RSEExpression: "tier=1",
		Grouping:      types.GroupingNone,
	}
	_, err := engine.AddRule(ctx, req)
	require.NoError(t, err)

	_, err = engine.AddRule(ctx, req)
	require.Error(t, err)
	assert.Equal(t, errors.KindDuplicate, errors.KindOf(err))
}

func TestAddRuleZeroCopyPrefersExistingAvailableReplica(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	seedTier1RSEs(t, store)
	seedFiles(t, store, "test", "ds1", []string{"f1"}, 100)

	now := time.Now()
	require.NoError(t, store.AddReplica(ctx, &types.Replica{RSEID: "R5", Scope: "test", Name: "f1", State: types.ReplicaAvailable, Bytes: 100, CreatedAt: now, UpdatedAt: now}))

	ruleID, err := engine.AddRule(ctx, AddRuleRequest{
		DIDs:          []types.DIDRef{{Scope: "test", Name: "ds1"}},
		Account:       "alice",
		Copies:        1,
		RSEExpression: "tier=1",
		Grouping:      types.GroupingNone,
	})
	require.NoError(t, err)

	locks, err := store.ListLocksByRule(ctx, ruleID)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "R5", locks[0].RSEID)
	assert.Equal(t, types.LockOK, locks[0].State)

	requests, err := store.ListRequestsByRule(ctx, ruleID)
	require.NoError(t, err)
	assert.Empty(t, requests, "an already-available replica must not enqueue a transfer")
}

func TestGroupingPlanPanicsOnUnhandledVariant(t *testing.T) {
	assert.Panics(t, func() {
		groupingPlan(types.RuleGrouping("BOGUS"), []fileDID{{DIDRef: types.DIDRef{Scope: "s", Name: "n"}}})
	})
}

// weightedSelect must sample, not deterministically rank: across repeated
// draws with equal weights, both candidates should eventually win.
func TestWeightedSelectSamplesWithoutReplacementAndRespectsWeights(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	for _, id := range []string{"R1", "R2", "R3"} {
		require.NoError(t, store.AddRSE(ctx, &types.RSE{ID: id, Name: id, Available: true}))
	}
	require.NoError(t, store.AddRSEAttribute(ctx, "R1", "weight", "1"))
	require.NoError(t, store.AddRSEAttribute(ctx, "R2", "weight", "1"))
	require.NoError(t, store.AddRSEAttribute(ctx, "R3", "weight", "-1"))

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		selected, err := engine.weightedSelect(ctx, []string{"R1", "R2", "R3"}, "weight", 1)
		require.NoError(t, err)
		require.Len(t, selected, 1)
		assert.NotEqual(t, "R3", selected[0], "negative weight must never be chosen")
		seen[selected[0]] = true
	}
	assert.Len(t, seen, 2, "both equally-weighted candidates should be drawn across repeated sampling")
}

func TestWeightedSelectFallsBackToZeroWeightOnlyWhenNeeded(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	for _, id := range []string{"R1", "R2", "R3"} {
		require.NoError(t, store.AddRSE(ctx, &types.RSE{ID: id, Name: id, Available: true}))
	}
	require.NoError(t, store.AddRSEAttribute(ctx, "R1", "weight", "5"))
	require.NoError(t, store.AddRSEAttribute(ctx, "R2", "weight", "0"))
	require.NoError(t, store.AddRSEAttribute(ctx, "R3", "weight", "0"))

	selected, err := engine.weightedSelect(ctx, []string{"R1", "R2", "R3"}, "weight", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, selected, "the only positively-weighted candidate must win before any zero-weight one")

	selected, err = engine.weightedSelect(ctx, []string{"R1", "R2", "R3"}, "weight", 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"R1", "R2", "R3"}, selected)
}

func TestWeightedSelectExcludesNonNumericWeight(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, store.AddRSE(ctx, &types.RSE{ID: "R1", Name: "R1", Available: true}))
	require.NoError(t, store.AddRSEAttribute(ctx, "R1", "weight", "not-a-number"))

	_, err := engine.weightedSelect(ctx, []string{"R1"}, "weight", 1)
	require.Error(t, err)
	assert.Equal(t, errors.KindInput, errors.KindOf(err))
}
