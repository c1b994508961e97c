package ruleengine

import (
	"context"

	"github.com/rucio/rucio-go/pkg/catalog"
)

// Reducer is the account/RSE counter reducer: each tick it drains every
// pending delta the catalog store has queued and applies the batch, keeping
// the eventually-consistent usage counters converging without taking a lock
// on every lock/replica write.
type Reducer struct {
	store catalog.Store
}

// NewReducer constructs a Reducer over store.
func NewReducer(store catalog.Store) *Reducer {
	return &Reducer{store: store}
}

// Tick drains and applies one batch of pending deltas. It is the Work
// function of a pkg/daemon.Loop.
func (r *Reducer) Tick(ctx context.Context) error {
	_, _, err := r.store.DrainDeltas(ctx)
	return err
}
