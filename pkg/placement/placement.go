// Package placement implements the C3PO free-space/popularity placement
// advisor: given a dataset DID, it recommends a single T2 DATADISK RSE to
// replicate it to, based on popularity, existing replica count, and a
// self-cooling penalty that spreads placements across candidate RSEs over
// time.
package placement

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rucio/rucio-go/pkg/catalog"
	"github.com/rucio/rucio-go/pkg/errors"
	"github.com/rucio/rucio-go/pkg/rseexpr"
	"github.com/rucio/rucio-go/pkg/types"
)

// PopularitySource reports a did's recent access popularity. Implementations
// are expected to front an external access-tracking service; this package
// only consumes the interface.
type PopularitySource interface {
	Popularity(ctx context.Context, scope, name string) (float64, error)
}

// ConstantPopularity is a placeholder PopularitySource that reports the same
// value for every DID, useful until a real access-tracking service is
// wired in front of the advisor.
type ConstantPopularity float64

func (c ConstantPopularity) Popularity(ctx context.Context, scope, name string) (float64, error) {
	return float64(c), nil
}

// Config parameterizes an Advisor.
type Config struct {
	RSEExpression      string  // default "tier=2&type=DATADISK"
	NamePrefixes       []string // default {"data", "mc"}
	PopularityMin      float64  // default 10.0
	MaxExistingReplicas int     // default 5
	InitialPenalty     float64 // default 1.0
	WinnerPenalty      float64 // default 10.0
}

// DefaultConfig returns the algorithm's published defaults.
func DefaultConfig() Config {
	return Config{
		RSEExpression:       "tier=2&type=DATADISK",
		NamePrefixes:        []string{"data", "mc"},
		PopularityMin:       10.0,
		MaxExistingReplicas: 5,
		InitialPenalty:      1.0,
		WinnerPenalty:       10.0,
	}
}

// Decision is the outcome of one Place call: either a chosen RSE, or a
// reason the DID was declined.
type Decision struct {
	Scope          string
	Name           string
	Bytes          int64
	LengthFiles    int
	Popularity     float64
	ExistingRSEs   []string
	NumReplicas    int
	ChosenRSEID    string
	ErrorReason    string
}

// Advisor holds the eligible-RSE set and its per-RSE penalties, refreshed
// from the RSE expression once at construction.
type Advisor struct {
	cfg        Config
	store      catalog.Store
	rseExpr    *rseexpr.Evaluator
	popularity PopularitySource

	mu        sync.Mutex
	rseIDs    []string
	penalties map[string]float64
}

// NewAdvisor parses cfg.RSEExpression once via rseExpr and seeds a penalty
// of cfg.InitialPenalty for every matching RSE.
func NewAdvisor(ctx context.Context, cfg Config, store catalog.Store, rseExpr *rseexpr.Evaluator, popularity PopularitySource) (*Advisor, error) {
	a := &Advisor{
		cfg:        cfg,
		store:      store,
		rseExpr:    rseExpr,
		popularity: popularity,
		penalties:  make(map[string]float64),
	}
	if err := a.refreshEligibleRSEs(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Advisor) refreshEligibleRSEs(ctx context.Context) error {
	matched, err := a.rseExpr.Evaluate(ctx, a.cfg.RSEExpression)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rseIDs = a.rseIDs[:0]
	for id, ok := range matched {
		if !ok {
			continue
		}
		a.rseIDs = append(a.rseIDs, id)
		if _, seeded := a.penalties[id]; !seeded {
			a.penalties[id] = a.cfg.InitialPenalty
		}
	}
	sort.Strings(a.rseIDs)
	return nil
}

// Place implements the six-step placement algorithm against did.
func (a *Advisor) Place(ctx context.Context, did types.DIDRef) (*Decision, error) {
	decision := &Decision{Scope: did.Scope, Name: did.Name}

	if !hasAnyPrefix(did.Name, a.cfg.NamePrefixes) {
		decision.ErrorReason = "not a data or mc dataset"
		return decision, nil
	}

	rec, err := a.store.GetDID(ctx, did.Scope, did.Name)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			decision.ErrorReason = "did does not exist"
			return decision, nil
		}
		return nil, err
	}
	decision.Bytes = rec.Bytes

	refs, err := a.store.ExpandToFiles(ctx, did.Scope, did.Name)
	if err != nil {
		return nil, err
	}
	decision.LengthFiles = len(refs)

	pop := 0.0
	if a.popularity != nil {
		pop, err = a.popularity.Popularity(ctx, did.Scope, did.Name)
		if err != nil {
			return nil, err
		}
	}
	decision.Popularity = pop
	if pop < a.cfg.PopularityMin {
		decision.ErrorReason = "did not popular enough"
		return decision, nil
	}

	a.mu.Lock()
	freeRSEs := make(map[string]bool, len(a.rseIDs))
	for _, id := range a.rseIDs {
		freeRSEs[id] = true
	}
	a.mu.Unlock()

	replicas, err := a.store.ListReplicasForDID(ctx, did.Scope, did.Name)
	if err != nil {
		return nil, err
	}
	var existing []string
	numReps := 0
	for _, rep := range replicas {
		attrs, err := a.store.ListRSEAttributes(ctx, rep.RSEID)
		if err != nil {
			return nil, err
		}
		if attrs["type"] != "DATADISK" {
			continue
		}
		if rep.State != types.ReplicaAvailable {
			continue
		}
		delete(freeRSEs, rep.RSEID)
		existing = append(existing, rep.RSEID)
		numReps++
	}
	decision.ExistingRSEs = existing
	decision.NumReplicas = numReps
	if numReps >= a.cfg.MaxExistingReplicas {
		decision.ErrorReason = "too many replicas already exist"
		return decision, nil
	}

	totalByRSE := make(map[string]int64, len(freeRSEs))
	freeByRSE := make(map[string]int64, len(freeRSEs))
	for id := range freeRSEs {
		total, free, err := a.store.GetRSEUsage(ctx, id)
		if err != nil {
			return nil, err
		}
		totalByRSE[id] = total
		freeByRSE[id] = free
	}

	a.mu.Lock()
	winner, ok := rankByFreeSpaceOverPenalty(freeRSEs, totalByRSE, freeByRSE, a.penalties)
	if ok {
		a.penalties[winner] = a.cfg.WinnerPenalty
	}
	a.mu.Unlock()

	if !ok {
		decision.ErrorReason = "no eligible rse with free space"
		return decision, nil
	}
	decision.ChosenRSEID = winner
	return decision, nil
}

func rankByFreeSpaceOverPenalty(candidates map[string]bool, total, free map[string]int64, penalty map[string]float64) (string, bool) {
	type scored struct {
		id    string
		ratio float64
	}
	var scoredRSEs []scored
	for id := range candidates {
		if total[id] <= 0 {
			continue
		}
		p := penalty[id]
		if p <= 0 {
			continue
		}
		ratio := float64(free[id]) / float64(total[id]) * 100 / p
		scoredRSEs = append(scoredRSEs, scored{id: id, ratio: ratio})
	}
	if len(scoredRSEs) == 0 {
		return "", false
	}
	sort.Slice(scoredRSEs, func(i, j int) bool {
		if scoredRSEs[i].ratio != scoredRSEs[j].ratio {
			return scoredRSEs[i].ratio > scoredRSEs[j].ratio
		}
		return scoredRSEs[i].id < scoredRSEs[j].id
	})
	return scoredRSEs[0].id, true
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// DecayPenalties decrements every penalty above 1.0 by 1, invoked once per
// placement daemon tick.
func (a *Advisor) DecayPenalties(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, p := range a.penalties {
		if p > 1.0 {
			a.penalties[id] = p - 1
		}
	}
	return nil
}
