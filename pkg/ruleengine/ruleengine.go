// Package ruleengine is the admission, grounding, and lifecycle authority
// for replication rules: it resolves an RSE expression and a DID set into
// concrete file/RSE placements, creates the locks and transfer requests that
// back them, and re-evaluates or retires rules as their locks and DIDs
// change underneath them.
package ruleengine

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rucio/rucio-go/pkg/catalog"
	"github.com/rucio/rucio-go/pkg/errors"
	"github.com/rucio/rucio-go/pkg/placement"
	"github.com/rucio/rucio-go/pkg/rseexpr"
	"github.com/rucio/rucio-go/pkg/types"
)

// Engine is the rule engine's public entrypoint. It holds no state of its
// own beyond handles to the catalog store, the RSE-expression evaluator and
// the placement advisor, a logger, and the random source used for weighted
// RSE picks; every call is its own unit of work.
type Engine struct {
	store     catalog.Store
	rseExpr   *rseexpr.Evaluator
	placement *placement.Advisor
	log       zerolog.Logger
	rnd       *rand.Rand
}

// NewEngine constructs an Engine. placementAdvisor may be nil; it is
// consulted only by callers that want a C3PO recommendation ahead of
// AddRule, never by AddRule itself.
func NewEngine(store catalog.Store, rseExpr *rseexpr.Evaluator, placementAdvisor *placement.Advisor, log zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		rseExpr:   rseExpr,
		placement: placementAdvisor,
		log:       log,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddRuleRequest is the input to AddRule.
type AddRuleRequest struct {
	DIDs           []types.DIDRef
	Account        string
	Copies         int
	RSEExpression  string
	Grouping       types.RuleGrouping
	WeightAttr     string
	IgnoreAvailability bool
	Lifetime       *time.Duration
	Locked         bool
	SubscriptionID string
}

// fileDID is a leaf file together with the dataset that contains it, used to
// build grouping equivalence classes.
type fileDID struct {
	types.DIDRef
	DatasetScope string
	DatasetName  string
	Bytes        int64
}

// AddRule admits one replication rule: it resolves the RSE expression,
// expands every root DID to its leaf files, checks quota and duplicates,
// computes the grouping plan, selects destinations, and grounds every
// resulting (file, RSE) pair.
func (e *Engine) AddRule(ctx context.Context, req AddRuleRequest) (string, error) {
	if req.Copies <= 0 {
		return "", errors.InvalidReplicationRule("copies must be positive")
	}
	if len(req.DIDs) == 0 {
		return "", errors.InvalidReplicationRule("at least one did is required")
	}

	if dup, found, err := e.store.FindDuplicateRule(ctx, req.Account, req.DIDs, req.RSEExpression, req.Copies, req.Grouping); err != nil {
		return "", err
	} else if found {
		return "", errors.DuplicateRule(req.Account, req.RSEExpression).WithDetail("existing_rule_id", dup.ID)
	}

	candidates, err := e.rseExpr.Evaluate(ctx, req.RSEExpression)
	if err != nil {
		return "", err
	}
	candidateIDs := matchedIDs(candidates)
	if len(candidateIDs) == 0 {
		return "", errors.InvalidRSEExpression(req.RSEExpression, "no RSE matches this expression")
	}

	files, err := e.expandRootDIDs(ctx, req.DIDs)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", errors.InvalidReplicationRule("did set resolves to zero files")
	}

	if err := e.checkQuota(ctx, req.Account, candidateIDs, files, req.Copies); err != nil {
		return "", err
	}

	now := time.Now()
	rule := &types.Rule{
		ID:                 uuid.New().String(),
		Account:            req.Account,
		DIDs:               req.DIDs,
		Copies:             req.Copies,
		RSEExpression:      req.RSEExpression,
		Grouping:           req.Grouping,
		WeightAttr:         req.WeightAttr,
		IgnoreAvailability: req.IgnoreAvailability,
		Lifetime:           req.Lifetime,
		Locked:             req.Locked,
		SubscriptionID:     req.SubscriptionID,
		State:              types.RuleOK,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.Lifetime != nil {
		expires := now.Add(*req.Lifetime)
		rule.ExpiresAt = &expires
	}

	if err := e.store.AddRule(ctx, rule); err != nil {
		return "", err
	}

	classes := groupingPlan(req.Grouping, files)
	for _, class := range classes {
		destinations, err := e.selectDestinations(ctx, class, candidateIDs, req, rule.ID)
		if err != nil {
			return "", err
		}
		for _, f := range class {
			for _, rseID := range destinations {
				if err := e.ground(ctx, rule, f, rseID); err != nil {
					return "", err
				}
			}
		}
		if req.Grouping != types.GroupingNone {
			if err := e.createDatasetLocks(ctx, rule.ID, class, destinations); err != nil {
				return "", err
			}
		}
	}

	return rule.ID, e.recomputeState(ctx, rule.ID)
}

// AddRules admits multiple rules as one logical unit: if any rule fails
// admission, none of them are left behind.
func (e *Engine) AddRules(ctx context.Context, reqs []AddRuleRequest) ([]string, error) {
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id, err := e.AddRule(ctx, req)
		if err != nil {
			for _, committed := range ids {
				if derr := e.DeleteRule(ctx, committed); derr != nil {
					e.log.Error().Err(derr).Str("rule_id", committed).Msg("failed to roll back rule after sibling admission failure")
				}
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func matchedIDs(candidates map[string]bool) []string {
	ids := make([]string, 0, len(candidates))
	for id, ok := range candidates {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// expandRootDIDs recursively resolves every root DID to its leaf files,
// preserving which immediate dataset contains each file.
func (e *Engine) expandRootDIDs(ctx context.Context, roots []types.DIDRef) ([]fileDID, error) {
	var out []fileDID
	seen := make(map[string]bool)
	for _, root := range roots {
		rootDID, err := e.store.GetDID(ctx, root.Scope, root.Name)
		if err != nil {
			return nil, err
		}
		refs, err := e.store.ExpandToFiles(ctx, root.Scope, root.Name)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			key := ref.Scope + "\x00" + ref.Name
			if seen[key] {
				continue
			}
			seen[key] = true

			datasetScope, datasetName := root.Scope, root.Name
			if rootDID.Kind == types.DIDKindContainer {
				if owner, ok, err := e.findOwningDataset(ctx, root, ref); err == nil && ok {
					datasetScope, datasetName = owner.Scope, owner.Name
				}
			}

			fileRec, err := e.store.GetDID(ctx, ref.Scope, ref.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, fileDID{
				DIDRef:       ref,
				DatasetScope: datasetScope,
				DatasetName:  datasetName,
				Bytes:        fileRec.Bytes,
			})
		}
	}
	return out, nil
}

// findOwningDataset walks the containment tree under root looking for the
// dataset that directly contains file. Used only when root is a container,
// so DATASET/ALL grouping can still form per-dataset equivalence classes.
func (e *Engine) findOwningDataset(ctx context.Context, root, file types.DIDRef) (types.DIDRef, bool, error) {
	children, err := e.store.ListChildren(ctx, root.Scope, root.Name)
	if err != nil {
		return types.DIDRef{}, false, err
	}
	for _, edge := range children {
		child := types.DIDRef{Scope: edge.ChildScope, Name: edge.ChildName}
		childDID, err := e.store.GetDID(ctx, child.Scope, child.Name)
		if err != nil {
			continue
		}
		if childDID.Kind == types.DIDKindDataset {
			refs, err := e.store.ExpandToFiles(ctx, child.Scope, child.Name)
			if err != nil {
				continue
			}
			for _, ref := range refs {
				if ref == file {
					return child, true, nil
				}
			}
		} else if childDID.Kind == types.DIDKindContainer {
			if owner, ok, err := e.findOwningDataset(ctx, child, file); err == nil && ok {
				return owner, true, nil
			}
		}
	}
	return types.DIDRef{}, false, nil
}

// groupingPlan partitions files into the equivalence classes that must
// share identical destinations under grouping.
func groupingPlan(grouping types.RuleGrouping, files []fileDID) [][]fileDID {
	switch grouping {
	case types.GroupingNone:
		classes := make([][]fileDID, len(files))
		for i, f := range files {
			classes[i] = []fileDID{f}
		}
		return classes
	case types.GroupingDataset:
		byDataset := make(map[string][]fileDID)
		var order []string
		for _, f := range files {
			key := f.DatasetScope + "\x00" + f.DatasetName
			if _, ok := byDataset[key]; !ok {
				order = append(order, key)
			}
			byDataset[key] = append(byDataset[key], f)
		}
		classes := make([][]fileDID, 0, len(order))
		for _, key := range order {
			classes = append(classes, byDataset[key])
		}
		return classes
	case types.GroupingAll:
		if len(files) == 0 {
			return nil
		}
		return [][]fileDID{files}
	default:
		panic("ruleengine: unhandled RuleGrouping variant")
	}
}

func (e *Engine) checkQuota(ctx context.Context, account string, candidateIDs []string, files []fileDID, copies int) error {
	var totalBytes int64
	for _, f := range files {
		totalBytes += f.Bytes
	}
	needed := totalBytes * int64(copies)
	if needed == 0 {
		return nil
	}
	for _, rseID := range candidateIDs {
		limit, ok, err := e.store.GetAccountLimit(ctx, account, rseID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		counter, err := e.store.GetAccountCounter(ctx, account, rseID)
		if err != nil {
			return err
		}
		if counter.Bytes+needed > limit {
			return errors.InsufficientAccountLimit(account, rseID)
		}
	}
	return nil
}

// selectDestinations picks Copies RSEs from candidateIDs for the files in
// class, excluding any RSE that already holds a lock for this rule on any
// file of the class.
func (e *Engine) selectDestinations(ctx context.Context, class []fileDID, candidateIDs []string, req AddRuleRequest, ruleID string) ([]string, error) {
	excluded := make(map[string]bool)
	for _, f := range class {
		locks, err := e.locksForFile(ctx, ruleID, f)
		if err != nil {
			return nil, err
		}
		for _, l := range locks {
			excluded[l.RSEID] = true
		}
	}

	pool := make([]string, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		if !excluded[id] {
			pool = append(pool, id)
		}
	}

	if !req.IgnoreAvailability {
		filtered, err := e.filterAvailable(ctx, pool)
		if err != nil {
			return nil, err
		}
		pool = filtered
	}

	if len(pool) == 0 {
		return nil, errors.InvalidReplicationRule("no eligible rse remains after exclusions and availability filter")
	}

	if req.WeightAttr != "" {
		return e.weightedSelect(ctx, pool, req.WeightAttr, req.Copies)
	}
	return e.preferZeroCopy(ctx, pool, class, req.Copies)
}

func (e *Engine) locksForFile(ctx context.Context, ruleID string, f fileDID) ([]*types.Lock, error) {
	all, err := e.store.ListLocksByRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	var out []*types.Lock
	for _, l := range all {
		if l.Scope == f.Scope && l.Name == f.Name {
			out = append(out, l)
		}
	}
	return out, nil
}

func (e *Engine) filterAvailable(ctx context.Context, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		rse, err := e.store.GetRSE(ctx, id)
		if err != nil {
			return nil, err
		}
		if rse.Available {
			out = append(out, id)
		}
	}
	return out, nil
}

// weightedSelect samples n RSEs without replacement, weighted by the
// weightAttr attribute value, using Efraimidis-Spirakis weighted random
// sampling: each positively-weighted candidate draws a key u^(1/weight) for
// u ~ Uniform(0,1), and the top n keys win. A candidate with a larger weight
// is more likely to draw a key close to 1 and so more likely to be picked,
// but the draw is never deterministic. Negative or non-numeric weights are
// excluded entirely; weight-0 candidates are shuffled uniformly and used
// only once positively-weighted ones run out.
func (e *Engine) weightedSelect(ctx context.Context, ids []string, weightAttr string, n int) ([]string, error) {
	type candidate struct {
		id  string
		key float64
	}
	var positive, zero []candidate
	for _, id := range ids {
		attrs, err := e.store.ListRSEAttributes(ctx, id)
		if err != nil {
			return nil, err
		}
		raw, ok := attrs[weightAttr]
		if !ok {
			continue
		}
		w, err := parseNonNegativeWeight(raw)
		if err != nil {
			continue
		}
		if w > 0 {
			u := e.rnd.Float64()
			positive = append(positive, candidate{id: id, key: math.Pow(u, 1/w)})
		} else {
			zero = append(zero, candidate{id: id, key: e.rnd.Float64()})
		}
	}

	sort.Slice(positive, func(i, j int) bool {
		if positive[i].key != positive[j].key {
			return positive[i].key > positive[j].key
		}
		return positive[i].id < positive[j].id
	})
	sort.Slice(zero, func(i, j int) bool {
		if zero[i].key != zero[j].key {
			return zero[i].key > zero[j].key
		}
		return zero[i].id < zero[j].id
	})

	var selected []string
	for _, c := range positive {
		if len(selected) >= n {
			break
		}
		selected = append(selected, c.id)
	}
	for _, c := range zero {
		if len(selected) >= n {
			break
		}
		selected = append(selected, c.id)
	}
	if len(selected) == 0 {
		return nil, errors.InvalidReplicationRule("weight attribute '" + weightAttr + "' matches no candidate")
	}
	return selected, nil
}

func parseNonNegativeWeight(raw string) (float64, error) {
	w, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if w < 0 {
		return 0, errors.InvalidObject("negative weight")
	}
	return w, nil
}

// preferZeroCopy ranks candidates by whether an AVAILABLE replica of any
// file in class already sits there, then by free-space ratio, then by id.
func (e *Engine) preferZeroCopy(ctx context.Context, ids []string, class []fileDID, n int) ([]string, error) {
	zeroCopy := make(map[string]bool)
	for _, f := range class {
		replicas, err := e.store.ListReplicasForDID(ctx, f.Scope, f.Name)
		if err != nil {
			return nil, err
		}
		for _, r := range replicas {
			if r.State == types.ReplicaAvailable {
				zeroCopy[r.RSEID] = true
			}
		}
	}

	type scored struct {
		id    string
		zero  bool
		ratio float64
	}
	var scoredIDs []scored
	for _, id := range ids {
		total, free, err := e.store.GetRSEUsage(ctx, id)
		ratio := 0.0
		if err == nil && total > 0 {
			ratio = float64(free) / float64(total)
		}
		scoredIDs = append(scoredIDs, scored{id: id, zero: zeroCopy[id], ratio: ratio})
	}
	sort.Slice(scoredIDs, func(i, j int) bool {
		if scoredIDs[i].zero != scoredIDs[j].zero {
			return scoredIDs[i].zero
		}
		if scoredIDs[i].ratio != scoredIDs[j].ratio {
			return scoredIDs[i].ratio > scoredIDs[j].ratio
		}
		return scoredIDs[i].id < scoredIDs[j].id
	})

	if n > len(scoredIDs) {
		n = len(scoredIDs)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = scoredIDs[i].id
	}
	return out, nil
}

// ground creates the lock and, if needed, the backing transfer request for
// (f, rseID), as one atomic catalog write.
func (e *Engine) ground(ctx context.Context, rule *types.Rule, f fileDID, rseID string) error {
	existing, err := e.store.GetReplica(ctx, rseID, f.Scope, f.Name)
	now := time.Now()

	if err == nil && existing.State == types.ReplicaAvailable {
		lock := &types.Lock{RuleID: rule.ID, RSEID: rseID, Scope: f.Scope, Name: f.Name, State: types.LockOK, CreatedAt: now, UpdatedAt: now}
		return e.store.GroundLock(ctx, lock, nil)
	}

	if err != nil && errors.KindOf(err) == errors.KindNotFound {
		if addErr := e.store.AddReplica(ctx, &types.Replica{
			RSEID: rseID, Scope: f.Scope, Name: f.Name, State: types.ReplicaUnavailable, Bytes: f.Bytes, CreatedAt: now, UpdatedAt: now,
		}); addErr != nil {
			return addErr
		}
	} else if err != nil {
		return err
	}

	lock := &types.Lock{RuleID: rule.ID, RSEID: rseID, Scope: f.Scope, Name: f.Name, State: types.LockReplicating, CreatedAt: now, UpdatedAt: now}
	req := &types.Request{
		ID:          uuid.New().String(),
		RequestType: types.RequestTypeTransfer,
		Scope:       f.Scope,
		Name:        f.Name,
		DestRSEID:   rseID,
		RuleID:      rule.ID,
		State:       types.RequestQueued,
		Activity:    "default",
		Bytes:       f.Bytes,
	}
	return e.store.GroundLock(ctx, lock, req)
}

func (e *Engine) createDatasetLocks(ctx context.Context, ruleID string, class []fileDID, destinations []string) error {
	byDataset := make(map[string]int)
	for _, f := range class {
		byDataset[f.DatasetScope+"\x00"+f.DatasetName]++
	}
	now := time.Now()
	for key, count := range byDataset {
		scope, name, err := splitDatasetKey(key)
		if err != nil {
			return err
		}
		for _, rseID := range destinations {
			if err := e.store.CreateDatasetLock(ctx, &types.DatasetLock{
				RuleID: ruleID, RSEID: rseID, Scope: scope, Name: name,
				State: types.LockReplicating, LengthFiles: count,
				CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitDatasetKey(key string) (scope, name string, err error) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:], nil
		}
	}
	return "", "", errors.Internal("splitDatasetKey", nil)
}

// recomputeState recomputes rule.State and its lock counters from the
// current set of locks, persisting the result.
func (e *Engine) recomputeState(ctx context.Context, ruleID string) error {
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	locks, err := e.store.ListLocksByRule(ctx, ruleID)
	if err != nil {
		return err
	}
	rule.LocksOKCnt, rule.LocksReplicatingCnt, rule.LocksStuckCnt = 0, 0, 0
	for _, l := range locks {
		switch l.State {
		case types.LockOK:
			rule.LocksOKCnt++
		case types.LockReplicating:
			rule.LocksReplicatingCnt++
		case types.LockStuck:
			rule.LocksStuckCnt++
		}
	}
	switch {
	case rule.LocksStuckCnt > 0:
		rule.State = types.RuleStuck
	case rule.LocksReplicatingCnt > 0:
		rule.State = types.RuleReplicating
	default:
		rule.State = types.RuleOK
	}
	rule.UpdatedAt = time.Now()
	return e.store.UpdateRule(ctx, rule)
}

// DeleteRule retires a rule: every lock's replica lock_cnt is decremented,
// tombstones are set where a replica is no longer held by any rule, and
// in-flight requests owned solely by this rule are cancelled.
func (e *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule.Locked {
		return errors.AccessDenied("rule is locked")
	}

	locks, err := e.store.ListLocksByRule(ctx, ruleID)
	if err != nil {
		return err
	}
	for _, l := range locks {
		if err := e.store.DeleteLock(ctx, l.RuleID, l.RSEID, l.Scope, l.Name); err != nil {
			return err
		}
		replica, err := e.store.GetReplica(ctx, l.RSEID, l.Scope, l.Name)
		if err != nil {
			if errors.KindOf(err) == errors.KindNotFound {
				continue
			}
			return err
		}
		if replica.LockCnt == 0 {
			now := time.Now()
			if err := e.store.SetTombstone(ctx, l.RSEID, l.Scope, l.Name, &now); err != nil {
				return err
			}
		}
	}

	requests, err := e.store.ListRequestsByRule(ctx, ruleID)
	if err != nil {
		return err
	}
	for _, r := range requests {
		if r.State.IsTerminal() {
			continue
		}
		if err := e.store.SetRequestState(ctx, r.ID, types.RequestSubmissionFailed); err != nil {
			return err
		}
	}

	return e.store.DeleteRule(ctx, ruleID)
}

// UpdateLockState sets locked on ruleID, enforcing no other semantics; the
// deletion and expiration sweeps consult this flag directly.
func (e *Engine) UpdateLockState(ctx context.Context, ruleID string, locked bool) error {
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	rule.Locked = locked
	rule.UpdatedAt = time.Now()
	return e.store.UpdateRule(ctx, rule)
}

// ReEvaluate recomputes a rule's required locks against its current DID set
// and RSE expression, grounding any newly-required (file, rse) pairs. It is
// safe to call repeatedly; already-satisfied locks are left untouched.
func (e *Engine) ReEvaluate(ctx context.Context, ruleID string) error {
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}

	unlock, ok := e.store.TryLock("rule:" + ruleID)
	if !ok {
		e.log.Debug().Str("rule_id", ruleID).Msg("re-evaluation deferred: rule lock contended")
		return nil
	}
	defer unlock()

	candidates, err := e.rseExpr.Evaluate(ctx, rule.RSEExpression)
	if err != nil {
		return e.markStuck(ctx, rule, err)
	}
	candidateIDs := matchedIDs(candidates)

	files, err := e.expandRootDIDs(ctx, rule.DIDs)
	if err != nil {
		return e.markStuck(ctx, rule, err)
	}

	req := AddRuleRequest{
		Copies: rule.Copies, RSEExpression: rule.RSEExpression, Grouping: rule.Grouping,
		WeightAttr: rule.WeightAttr, IgnoreAvailability: rule.IgnoreAvailability,
	}

	classes := groupingPlan(rule.Grouping, files)
	for _, class := range classes {
		needed := rule.Copies - e.existingDestinationCount(ctx, rule.ID, class)
		if needed <= 0 {
			continue
		}
		destinations, err := e.selectDestinations(ctx, class, candidateIDs, req, rule.ID)
		if err != nil {
			continue
		}
		for _, f := range class {
			for _, rseID := range destinations {
				if err := e.ground(ctx, rule, f, rseID); err != nil {
					return e.markStuck(ctx, rule, err)
				}
			}
		}
	}

	return e.recomputeState(ctx, rule.ID)
}

func (e *Engine) existingDestinationCount(ctx context.Context, ruleID string, class []fileDID) int {
	if len(class) == 0 {
		return 0
	}
	locks, err := e.locksForFile(ctx, ruleID, class[0])
	if err != nil {
		return 0
	}
	return len(locks)
}

func (e *Engine) markStuck(ctx context.Context, rule *types.Rule, cause error) error {
	if errors.IsTransient(cause) {
		e.log.Debug().Err(cause).Str("rule_id", rule.ID).Msg("re-evaluation deferred: transient error")
		return nil
	}
	rule.State = types.RuleStuck
	rule.UpdatedAt = time.Now()
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return err
	}
	e.log.Error().Err(cause).Str("rule_id", rule.ID).Msg("rule marked stuck")
	return nil
}

// SweepExpired deletes every unlocked rule whose lifetime has elapsed.
func (e *Engine) SweepExpired(ctx context.Context) error {
	rules, err := e.store.ListRules(ctx, catalog.RuleFilter{Expired: true})
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if err := e.DeleteRule(ctx, rule.ID); err != nil {
			e.log.Error().Err(err).Str("rule_id", rule.ID).Msg("failed to delete expired rule")
		}
	}
	return nil
}

// SweepStuck re-evaluates every rule in the STUCK or REPLICATING state
// (SUSPENDED rules are left alone), giving contended or transiently-failed
// rules another chance to ground.
func (e *Engine) SweepStuck(ctx context.Context) error {
	for _, state := range []types.RuleState{types.RuleStuck, types.RuleReplicating} {
		rules, err := e.store.ListRules(ctx, catalog.RuleFilter{State: state})
		if err != nil {
			return err
		}
		for _, rule := range rules {
			if err := e.ReEvaluate(ctx, rule.ID); err != nil {
				e.log.Error().Err(err).Str("rule_id", rule.ID).Msg("re-evaluation sweep failed")
			}
		}
	}
	return nil
}
