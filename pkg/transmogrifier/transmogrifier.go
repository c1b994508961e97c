// Package transmogrifier matches newly registered DIDs against active
// subscriptions and submits replication rules for every match, grounded on
// original_source/lib/rucio/daemons/transmogrifier.py. The Gearman
// fork-per-worker pool is replaced by an errgroup.Group bounded by
// Config.WorkerCount.
package transmogrifier

import (
	"context"
	"regexp"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rucio/rucio-go/pkg/catalog"
	"github.com/rucio/rucio-go/pkg/errors"
	"github.com/rucio/rucio-go/pkg/ruleengine"
	"github.com/rucio/rucio-go/pkg/types"
)

// Config bounds one tick of the supervisor.
type Config struct {
	ChunkSize   int // DIDs handed to one worker
	MaxDIDs     int // DIDs pulled from the queue per tick, total
	WorkerCount int // bounded goroutine pool size
}

// DefaultConfig matches the chunksize/maxdids defaults read from the
// original daemon.
func DefaultConfig() Config {
	return Config{ChunkSize: 400, MaxDIDs: 10000, WorkerCount: 4}
}

// Supervisor pulls unprocessed DIDs in bounded chunks and dispatches each
// chunk to a worker pool for subscription matching.
type Supervisor struct {
	cfg    Config
	store  catalog.Store
	engine *ruleengine.Engine
	log    zerolog.Logger
}

// NewSupervisor constructs a Supervisor.
func NewSupervisor(cfg Config, store catalog.Store, engine *ruleengine.Engine, log zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, store: store, engine: engine, log: log}
}

// chunkResult is one worker's outcome for its assigned chunk.
type chunkResult struct {
	failed []*types.DID
}

// RunOnce pulls up to Config.MaxDIDs new DIDs, splits them into
// Config.ChunkSize chunks, and evaluates each chunk against the current set
// of ACTIVE subscriptions via a bounded worker pool. A chunk in which every
// DID failed to evaluate is resubmitted once before being logged and
// dropped, mirroring the "all outstanding jobs FAILED -> resubmit the whole
// batch" policy of the Gearman supervisor.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	dids, err := s.store.ListUnprocessedDIDs(ctx, s.cfg.MaxDIDs)
	if err != nil {
		return err
	}
	if len(dids) == 0 {
		return nil
	}

	subs, err := s.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	chunks := chunk(dids, s.cfg.ChunkSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WorkerCount)
	results := make([]chunkResult, len(chunks))
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			results[i] = s.evaluateChunk(gctx, c, subs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, r := range results {
		if len(r.failed) == 0 || len(r.failed) < len(chunks[i]) {
			continue
		}
		// every DID in this chunk failed: resubmit once more.
		retry := s.evaluateChunk(ctx, r.failed, subs)
		if len(retry.failed) > 0 {
			s.log.Error().Int("count", len(retry.failed)).Msg("chunk failed after resubmission, parking")
		}
	}
	return nil
}

// evaluateChunk runs evaluateDID over every DID in chunk, collecting the
// ones that errored for the caller's retry policy.
func (s *Supervisor) evaluateChunk(ctx context.Context, chunk []*types.DID, subs []*types.Subscription) chunkResult {
	var failed []*types.DID
	for _, did := range chunk {
		if err := s.evaluateDID(ctx, did, subs); err != nil {
			s.log.Error().Err(err).Str("scope", did.Scope).Str("name", did.Name).Msg("subscription evaluation failed")
			failed = append(failed, did)
		}
	}
	return chunkResult{failed: failed}
}

// evaluateDID checks did against every subscription's filter, submits a
// rule per matching rule template, and marks did processed so it is not
// re-seen. A single rule template's admission failure is logged and
// skipped rather than aborting the whole DID.
func (s *Supervisor) evaluateDID(ctx context.Context, did *types.DID, subs []*types.Subscription) error {
	for _, sub := range subs {
		if sub.State != types.SubscriptionActive {
			continue
		}
		matched, err := isMatchingSubscription(sub, did)
		if err != nil {
			return err
		}
		if !matched {
			continue
		}
		for _, tmpl := range sub.ReplicationRules {
			grouping := tmpl.Grouping
			if grouping == "" {
				grouping = types.GroupingNone
			}
			_, err := s.engine.AddRule(ctx, ruleengine.AddRuleRequest{
				DIDs:           []types.DIDRef{{Scope: did.Scope, Name: did.Name}},
				Account:        sub.Account,
				Copies:         tmpl.Copies,
				RSEExpression:  tmpl.RSEExpression,
				Grouping:       grouping,
				WeightAttr:     tmpl.WeightAttr,
				Lifetime:       tmpl.Lifetime,
				SubscriptionID: sub.ID,
			})
			if err != nil {
				switch errors.KindOf(err) {
				case errors.KindInput, errors.KindDuplicate, errors.KindPermissionQuota:
					s.log.Warn().Err(err).Str("subscription", sub.ID).Msg("rule template rejected, skipping")
					continue
				default:
					return err
				}
			}
		}
	}
	return s.store.MarkDIDProcessed(ctx, did.Scope, did.Name)
}

// isMatchingSubscription implements the filter semantics verbatim: the
// "pattern" key is a prefix-anchored regex match against the DID's name
// (not a fullmatch — distinct from the naming-convention validator), the
// "scope" key is membership in a list of scopes, and any other key must be
// present in the DID's metadata with a value in the filter's allowed list.
// All keys must be satisfied for a match.
func isMatchingSubscription(sub *types.Subscription, did *types.DID) (bool, error) {
	for key, values := range sub.Filter {
		switch key {
		case "pattern":
			matched, err := matchesAnyPattern(values, did.Name)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		case "scope":
			if !contains(values, did.Scope) {
				return false, nil
			}
		default:
			v, ok := did.Metadata[key]
			if !ok || !contains(values, v) {
				return false, nil
			}
		}
	}
	return true, nil
}

func matchesAnyPattern(patterns []string, name string) (bool, error) {
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			return false, errors.InvalidObject("invalid subscription pattern: " + err.Error())
		}
		if re.MatchString(name) {
			return true, nil
		}
	}
	return false, nil
}

func contains(values []string, v string) bool {
	for _, want := range values {
		if want == v {
			return true
		}
	}
	return false
}

func chunk(dids []*types.DID, size int) [][]*types.DID {
	if size <= 0 {
		size = len(dids)
	}
	var out [][]*types.DID
	for len(dids) > 0 {
		n := size
		if n > len(dids) {
			n = len(dids)
		}
		out = append(out, dids[:n])
		dids = dids[n:]
	}
	return out
}
