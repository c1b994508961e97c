package placement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rucio/rucio-go/pkg/catalog"
	"github.com/rucio/rucio-go/pkg/rseexpr"
	"github.com/rucio/rucio-go/pkg/types"
)

type fakePopularity struct {
	values map[string]float64
}

func (f *fakePopularity) Popularity(ctx context.Context, scope, name string) (float64, error) {
	return f.values[scope+":"+name], nil
}

func seedRSE(t *testing.T, store catalog.Store, id, name string, tier, rseType string, total, free int64) {
	t.Helper()
	require.NoError(t, store.AddRSE(context.Background(), &types.RSE{ID: id, Name: name, Available: true}))
	require.NoError(t, store.SetRSEUsage(context.Background(), id, total, free))
	require.NoError(t, store.AddRSEAttribute(context.Background(), id, "tier", tier))
	require.NoError(t, store.AddRSEAttribute(context.Background(), id, "type", rseType))
}

func TestPlaceChoosesHighestFreeRatio(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemStore()
	seedRSE(t, store, "R1", "RSE1", "2", "DATADISK", 1000, 100)
	seedRSE(t, store, "R2", "RSE2", "2", "DATADISK", 1000, 800)
	seedRSE(t, store, "R3", "RSE3", "1", "DATADISK", 1000, 900) // wrong tier, excluded

	evaluator := rseexpr.NewEvaluator(store, 16, time.Minute)
	pop := &fakePopularity{values: map[string]float64{"data17:ds1": 42.0}}

	adv, err := NewAdvisor(ctx, DefaultConfig(), store, evaluator, pop)
	require.NoError(t, err)

	require.NoError(t, store.InsertDID(ctx, &types.DID{Scope: "data17", Name: "ds1", Kind: types.DIDKindDataset, Bytes: 500}))

	decision, err := adv.Place(ctx, types.DIDRef{Scope: "data17", Name: "ds1"})
	require.NoError(t, err)
	require.Empty(t, decision.ErrorReason)
	require.Equal(t, "R2", decision.ChosenRSEID)
}

func TestPlaceDeclinesUnpopularDataset(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemStore()
	seedRSE(t, store, "R1", "RSE1", "2", "DATADISK", 1000, 500)

	evaluator := rseexpr.NewEvaluator(store, 16, time.Minute)
	pop := &fakePopularity{values: map[string]float64{"data17:ds1": 1.0}}
	adv, err := NewAdvisor(ctx, DefaultConfig(), store, evaluator, pop)
	require.NoError(t, err)

	require.NoError(t, store.InsertDID(ctx, &types.DID{Scope: "data17", Name: "ds1", Kind: types.DIDKindDataset, Bytes: 500}))

	decision, err := adv.Place(ctx, types.DIDRef{Scope: "data17", Name: "ds1"})
	require.NoError(t, err)
	require.Equal(t, "did not popular enough", decision.ErrorReason)
}

func TestPlaceRejectsWrongNamePrefix(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemStore()
	evaluator := rseexpr.NewEvaluator(store, 16, time.Minute)
	adv, err := NewAdvisor(ctx, DefaultConfig(), store, evaluator, nil)
	require.NoError(t, err)

	decision, err := adv.Place(ctx, types.DIDRef{Scope: "user.alice", Name: "private_set"})
	require.NoError(t, err)
	require.Equal(t, "not a data or mc dataset", decision.ErrorReason)
}

func TestDecayPenaltiesConvergesToOne(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewMemStore()
	seedRSE(t, store, "R1", "RSE1", "2", "DATADISK", 1000, 900)
	evaluator := rseexpr.NewEvaluator(store, 16, time.Minute)
	adv, err := NewAdvisor(ctx, DefaultConfig(), store, evaluator, nil)
	require.NoError(t, err)

	adv.mu.Lock()
	adv.penalties["R1"] = 10.0
	adv.mu.Unlock()

	for i := 0; i < 15; i++ {
		require.NoError(t, adv.DecayPenalties(ctx))
	}

	adv.mu.Lock()
	final := adv.penalties["R1"]
	adv.mu.Unlock()
	require.Equal(t, 1.0, final)
}
