package transmogrifier

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rucio/rucio-go/pkg/catalog"
	"github.com/rucio/rucio-go/pkg/ruleengine"
	"github.com/rucio/rucio-go/pkg/rseexpr"
	"github.com/rucio/rucio-go/pkg/types"
)

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, catalog.Store) {
	t.Helper()
	store := catalog.NewMemStore()
	evaluator := rseexpr.NewEvaluator(store, 64, time.Minute)
	engine := ruleengine.NewEngine(store, evaluator, nil, zerolog.Nop())
	return NewSupervisor(cfg, store, engine, zerolog.Nop()), store
}

func seedRSE(t *testing.T, store catalog.Store, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.AddRSE(ctx, &types.RSE{ID: id, Name: id, Available: true}))
	require.NoError(t, store.SetRSEUsage(ctx, id, 1000, 500))
	require.NoError(t, store.AddRSEAttribute(ctx, id, "tier", "1"))
}

func TestRunOnceMatchesPatternAndSubmitsRule(t *testing.T) {
	sup, store := newTestSupervisor(t, DefaultConfig())
	ctx := context.Background()
	seedRSE(t, store, "R1")

	require.NoError(t, store.InsertDID(ctx, &types.DID{Scope: "test", Name: "data.run1.physics", Kind: types.DIDKindDataset}))
	require.NoError(t, store.AddSubscription(ctx, &types.Subscription{
		ID:      "sub1",
		Account: "alice",
		Name:    "physics-sub",
		Filter:  map[string][]string{"pattern": {"data\\..*\\.physics"}, "scope": {"test"}},
		ReplicationRules: []types.RuleTemplate{
			{Copies: 1, RSEExpression: "tier=1"},
		},
		State: types.SubscriptionActive,
	}))

	require.NoError(t, sup.RunOnce(ctx))

	dids, err := store.ListUnprocessedDIDs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dids)

	rules, err := store.ListRules(ctx, catalog.RuleFilter{Account: "alice"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "sub1", rules[0].SubscriptionID)
	assert.Equal(t, types.GroupingNone, rules[0].Grouping)
}

func TestRunOnceScopeMismatchSkipsDID(t *testing.T) {
	sup, store := newTestSupervisor(t, DefaultConfig())
	ctx := context.Background()
	seedRSE(t, store, "R1")

	require.NoError(t, store.InsertDID(ctx, &types.DID{Scope: "other", Name: "data.run1.physics", Kind: types.DIDKindDataset}))
	require.NoError(t, store.AddSubscription(ctx, &types.Subscription{
		ID: "sub1", Account: "alice", Name: "physics-sub",
		Filter:           map[string][]string{"pattern": {"data\\..*"}, "scope": {"test"}},
		ReplicationRules: []types.RuleTemplate{{Copies: 1, RSEExpression: "tier=1"}},
		State:            types.SubscriptionActive,
	}))

	require.NoError(t, sup.RunOnce(ctx))

	rules, err := store.ListRules(ctx, catalog.RuleFilter{Account: "alice"})
	require.NoError(t, err)
	assert.Empty(t, rules)

	// unmatched DIDs are still marked processed so they are not re-scanned forever.
	dids, err := store.ListUnprocessedDIDs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dids)
}

func TestRunOnceMetadataKeyMustMatch(t *testing.T) {
	sup, store := newTestSupervisor(t, DefaultConfig())
	ctx := context.Background()
	seedRSE(t, store, "R1")

	require.NoError(t, store.InsertDID(ctx, &types.DID{
		Scope: "test", Name: "ds1", Kind: types.DIDKindDataset,
		Metadata: map[string]string{"datatype": "raw"},
	}))
	require.NoError(t, store.InsertDID(ctx, &types.DID{
		Scope: "test", Name: "ds2", Kind: types.DIDKindDataset,
		Metadata: map[string]string{"datatype": "derived"},
	}))
	require.NoError(t, store.AddSubscription(ctx, &types.Subscription{
		ID: "sub1", Account: "alice", Name: "raw-only",
		Filter:           map[string][]string{"scope": {"test"}, "datatype": {"raw"}},
		ReplicationRules: []types.RuleTemplate{{Copies: 1, RSEExpression: "tier=1"}},
		State:            types.SubscriptionActive,
	}))

	require.NoError(t, sup.RunOnce(ctx))

	rules, err := store.ListRules(ctx, catalog.RuleFilter{Account: "alice"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []types.DIDRef{{Scope: "test", Name: "ds1"}}, rules[0].DIDs)
}

func TestRunOnceSkipsInactiveSubscription(t *testing.T) {
	sup, store := newTestSupervisor(t, DefaultConfig())
	ctx := context.Background()
	seedRSE(t, store, "R1")

	require.NoError(t, store.InsertDID(ctx, &types.DID{Scope: "test", Name: "ds1", Kind: types.DIDKindDataset}))
	require.NoError(t, store.AddSubscription(ctx, &types.Subscription{
		ID: "sub1", Account: "alice", Name: "disabled",
		Filter:           map[string][]string{"scope": {"test"}},
		ReplicationRules: []types.RuleTemplate{{Copies: 1, RSEExpression: "tier=1"}},
		State:            types.SubscriptionInactive,
	}))

	require.NoError(t, sup.RunOnce(ctx))

	rules, err := store.ListRules(ctx, catalog.RuleFilter{Account: "alice"})
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestRunOnceInvalidRuleTemplateIsSkippedNotFatal(t *testing.T) {
	sup, store := newTestSupervisor(t, DefaultConfig())
	ctx := context.Background()
	seedRSE(t, store, "R1")

	require.NoError(t, store.InsertDID(ctx, &types.DID{Scope: "test", Name: "ds1", Kind: types.DIDKindDataset}))
	require.NoError(t, store.AddSubscription(ctx, &types.Subscription{
		ID: "sub1", Account: "alice", Name: "bad-copies",
		Filter: map[string][]string{"scope": {"test"}},
		ReplicationRules: []types.RuleTemplate{
			{Copies: 0, RSEExpression: "tier=1"}, // invalid: copies must be positive
		},
		State: types.SubscriptionActive,
	}))

	require.NoError(t, sup.RunOnce(ctx))

	dids, err := store.ListUnprocessedDIDs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dids, "DID is still marked processed even though its only rule template was rejected")
}

func TestIsMatchingSubscriptionPatternIsPrefixAnchoredNotFullmatch(t *testing.T) {
	sub := &types.Subscription{Filter: map[string][]string{"pattern": {"data\\.run1"}}}
	matched, err := isMatchingSubscription(sub, &types.DID{Name: "data.run1.extra.suffix"})
	require.NoError(t, err)
	assert.True(t, matched, "prefix match should succeed even with trailing text, unlike namingconvention's fullmatch")
}

func TestChunkSplitsIntoBoundedGroups(t *testing.T) {
	dids := make([]*types.DID, 5)
	for i := range dids {
		dids[i] = &types.DID{Name: "d"}
	}
	chunks := chunk(dids, 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[1], 2)
	assert.Len(t, chunks[2], 1)
}
