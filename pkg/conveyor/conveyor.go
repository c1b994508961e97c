// Package conveyor drives transfer requests through their external-tool
// lifecycle: submission, polling for completion, and finishing terminated
// requests into replica-state transitions. Submitter, Poller, Finisher, and
// Stager are each a pkg/daemon ticker loop sharing one Coordinator.
package conveyor

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rucio/rucio-go/pkg/catalog"
	"github.com/rucio/rucio-go/pkg/daemon"
	"github.com/rucio/rucio-go/pkg/errors"
	"github.com/rucio/rucio-go/pkg/ruleengine"
	"github.com/rucio/rucio-go/pkg/types"
)

// TransferJob is one file movement handed to a TransferTool in bulk.
type TransferJob struct {
	RequestID string
	Scope     string
	Name      string
	SrcURL    string
	DestURL   string
	Bytes     int64
	Adler32   string
	Checksum  string
}

// QueryResult is one external transfertool status response, the Go analogue
// of the *update_request_state* response dict. NewState empty means
// touch-only: the transfer is still in flight. A transfer id that is absent
// from the BulkQuery result map (the LOST case) means the external tool has
// no record of it; pollOnce then builds a result with NewState LOST.
type QueryResult struct {
	RequestID   string
	ExternalID  string
	NewState    types.RequestState
	Reason      string
	DurationSec float64
	SrcURL      string
	DstURL      string
	SrcRSE      string
	DstRSE      string
	TransferredAt time.Time

	// JobMReplica signals the external tool raced multiple candidate
	// sources for this file (FTS3's job_m_replica); the tool reports only
	// the winning SrcURL, not which replica served it, so SrcRSE must be
	// resolved by matching SrcURL against the replica list.
	JobMReplica bool
}

// TransferTool is the external transfer-submission service: an FTS3-shaped
// bulk job submitter.
type TransferTool interface {
	Submit(ctx context.Context, bulk []TransferJob) (transferID string, err error)
	BulkQuery(ctx context.Context, transferIDs []string) (map[string]QueryResult, error)
	Cancel(ctx context.Context, transferID string) error
}

// Coordinator is the shared state every conveyor sub-daemon operates
// against: the catalog store, the external transfer tool, and the rule
// engine (consulted to re-evaluate a rule after one of its locks changes
// state).
type Coordinator struct {
	Store      catalog.Store
	Tool       TransferTool
	RuleEngine *ruleengine.Engine
	Log        zerolog.Logger

	SubmittingTimeout time.Duration // default 1800s; SUBMITTING older than this is requeued
}

// NewCoordinator constructs a Coordinator with the spec's default submitting
// timeout.
func NewCoordinator(store catalog.Store, tool TransferTool, engine *ruleengine.Engine, log zerolog.Logger) *Coordinator {
	return &Coordinator{Store: store, Tool: tool, RuleEngine: engine, Log: log, SubmittingTimeout: 1800 * time.Second}
}

// UpdateRequestState implements update_request_state verbatim: an empty
// NewState touch-only updates the request's updated_at; an external_id
// mismatch, an already-matching state, or an already-terminal current state
// are all no-ops; otherwise the request transitions and a monitor message is
// recorded. Returns whether a real state transition happened.
func (c *Coordinator) UpdateRequestState(ctx context.Context, result QueryResult) (bool, error) {
	if result.NewState == "" {
		return false, c.Store.TouchRequest(ctx, result.RequestID)
	}

	req, err := c.Store.GetRequest(ctx, result.RequestID)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			c.Log.Debug().Str("request_id", result.RequestID).Msg("request doesn't exist, will not update")
			return false, nil
		}
		return false, err
	}

	if req.ExternalID != result.ExternalID {
		c.Log.Debug().Str("request_id", result.RequestID).Msg("response transfer id differs from request transfer id, will not update")
		return false, nil
	}
	if req.State == result.NewState {
		c.Log.Debug().Str("request_id", result.RequestID).Str("state", string(result.NewState)).Msg("request already in this state, will not update")
		return false, nil
	}
	if req.State.IsTerminal() {
		return false, nil
	}

	req.State = result.NewState
	req.UpdatedAt = time.Now()
	if result.DstURL != "" {
		req.DestURL = result.DstURL
	}
	if result.SrcURL != "" {
		req.SrcURL = result.SrcURL
	}
	if !result.TransferredAt.IsZero() {
		submitted := result.TransferredAt
		req.SubmittedAt = &submitted
	}
	if err := c.Store.UpdateRequest(ctx, req); err != nil {
		return false, err
	}

	if result.JobMReplica && result.SrcRSE == "" && result.SrcURL != "" {
		if rseID, ok, err := GetSourceRSE(ctx, c.Store, req.Scope, req.Name, result.SrcURL); err == nil && ok {
			result.SrcRSE = rseID
		}
	}

	if err := c.AddMonitorMessage(ctx, req, result); err != nil {
		return false, err
	}
	return true, nil
}

// AddMonitorMessage builds and stores the exact payload shape recorded on a
// transfer-done/transfer-failed/transfer-lost transition.
func (c *Coordinator) AddMonitorMessage(ctx context.Context, req *types.Request, result QueryResult) error {
	var eventType string
	switch result.NewState {
	case types.RequestDone:
		eventType = "transfer-done"
	case types.RequestFailed:
		eventType = "transfer-failed"
	case types.RequestLost:
		eventType = "transfer-lost"
	default:
		eventType = "transfer-" + strings.ToLower(string(result.NewState))
	}

	var transferLink string
	if req.ExternalHost != "" {
		transferLink = strings.Replace(req.ExternalHost, "8446", "8449", 1) + "/fts3/ftsmon/#/job/" + result.ExternalID
	}

	msg := &types.Message{
		ID:        uuid.New().String(),
		EventType: eventType,
		Payload: map[string]any{
			"activity":          req.Activity,
			"request-id":        req.ID,
			"duration":          result.DurationSec,
			"file-size":         req.Bytes,
			"scope":             req.Scope,
			"name":              req.Name,
			"src-rse":           result.SrcRSE,
			"src-url":           result.SrcURL,
			"dst-rse":           result.DstRSE,
			"dst-url":           result.DstURL,
			"reason":            result.Reason,
			"transfer-endpoint": req.ExternalHost,
			"transfer-id":       result.ExternalID,
			"transfer-link":     transferLink,
			"tool-id":           "rucio-conveyor",
		},
		CreatedAt: time.Now(),
	}
	return c.Store.InsertMessage(ctx, msg)
}

// terminatedReplica is the Go analogue of the Python's per-replica dict
// built up while walking terminated requests.
type terminatedReplica struct {
	update  catalog.ReplicaStateUpdate
	request *types.Request
	// skipReplicaUpdate is set for STAGEIN requests, which settle without a
	// replica-state transition on the destination per §4.5.
	skipReplicaUpdate bool
}

// HandleTerminatedReplicas groups terminated requests by rule, applies each
// rule's batch in one nowait UpdateReplicasStates call, and falls back to
// one-by-one handling (with dark-data quarantine) on partial failure.
func (c *Coordinator) HandleTerminatedReplicas(ctx context.Context, requests []*types.Request) error {
	byRule := make(map[string][]terminatedReplica)
	var order []string
	for _, req := range requests {
		if (req.State == types.RequestFailed || req.State == types.RequestLost) && shouldRetry(req) {
			if err := c.requeueForRetry(ctx, req); err != nil {
				return err
			}
			continue
		}
		tr, ok, err := c.toTerminatedReplica(ctx, req)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, seen := byRule[req.RuleID]; !seen {
			order = append(order, req.RuleID)
		}
		byRule[req.RuleID] = append(byRule[req.RuleID], tr)
	}

	for _, ruleID := range order {
		batch := byRule[ruleID]
		if err := c.handleBulkReplicas(ctx, batch); err != nil {
			if errors.KindOf(err) == errors.KindNotFound || errors.KindOf(err) == errors.KindInput {
				c.Log.Warn().Str("rule_id", ruleID).Err(err).Msg("bulk replica update failed, falling back to one-by-one")
				for _, tr := range batch {
					if oneErr := c.handleOneReplica(ctx, tr); oneErr != nil {
						c.Log.Error().Err(oneErr).Str("request_id", tr.request.ID).Msg("failed to handle replica individually")
					}
				}
				continue
			}
			if errors.IsTransient(err) {
				c.Log.Warn().Str("rule_id", ruleID).Msg("lock contention handling replicas, touching requests for retry")
				for _, tr := range batch {
					_ = c.Store.TouchRequest(ctx, tr.request.ID)
				}
				continue
			}
			return err
		}
		if c.RuleEngine != nil {
			if err := c.RuleEngine.ReEvaluate(ctx, ruleID); err != nil {
				c.Log.Error().Err(err).Str("rule_id", ruleID).Msg("post-finish re-evaluation failed")
			}
		}
	}
	return nil
}

// toTerminatedReplica decides, per the handle_requests switch, whether req's
// terminal state produces a replica-state update at all (a retried FAILED
// or a still-in-flight SUBMITTING timeout produce none). STAGEIN requests
// settle without ever touching the destination replica's state.
func (c *Coordinator) toTerminatedReplica(ctx context.Context, req *types.Request) (terminatedReplica, bool, error) {
	switch req.State {
	case types.RequestDone:
		update := catalog.ReplicaStateUpdate{RSEID: req.DestRSEID, Scope: req.Scope, Name: req.Name, State: types.ReplicaAvailable}
		if path, ok := c.derivePath(ctx, req); ok {
			update.Path = path
		}
		tr := terminatedReplica{update: update, request: req}
		if req.RequestType == types.RequestTypeStagein {
			tr.skipReplicaUpdate = true
		}
		return tr, true, nil
	case types.RequestFailed, types.RequestLost:
		if shouldRetry(req) {
			return terminatedReplica{}, false, nil
		}
		tr := terminatedReplica{
			update:  catalog.ReplicaStateUpdate{RSEID: req.DestRSEID, Scope: req.Scope, Name: req.Name, State: types.ReplicaUnavailable},
			request: req,
		}
		if req.RequestType == types.RequestTypeStagein {
			tr.skipReplicaUpdate = true
		}
		return tr, true, nil
	default:
		return terminatedReplica{}, false, nil
	}
}

// derivePath resolves the stored replica path for a non-deterministic
// destination RSE by parsing the scheme off the request's settled PFN
// (req.DestURL, filled in by UpdateRequestState from the transfer tool's
// response). Deterministic RSEs compute their path on demand elsewhere and
// need nothing stored.
func (c *Coordinator) derivePath(ctx context.Context, req *types.Request) (string, bool) {
	if req.DestURL == "" {
		return "", false
	}
	rse, err := c.Store.GetRSE(ctx, req.DestRSEID)
	if err != nil || rse.Deterministic {
		return "", false
	}
	pfn, err := url.Parse(req.DestURL)
	if err != nil || pfn.Path == "" {
		return "", false
	}
	return pfn.Path, true
}

// shouldRetry caps retries at 3 attempts, mirroring should_retry_request's
// default policy.
func shouldRetry(req *types.Request) bool {
	const maxRetries = 3
	return req.RetryCount < maxRetries
}

// requeueForRetry resets a FAILED/LOST request with retries remaining back
// to QUEUED with an incremented retry count, leaving its lock REPLICATING
// so the next submitter tick picks it up again.
func (c *Coordinator) requeueForRetry(ctx context.Context, req *types.Request) error {
	req.State = types.RequestQueued
	req.RetryCount++
	req.ExternalID = ""
	req.UpdatedAt = time.Now()
	return c.Store.UpdateRequest(ctx, req)
}

func (c *Coordinator) handleBulkReplicas(ctx context.Context, batch []terminatedReplica) error {
	var updates []catalog.ReplicaStateUpdate
	for _, tr := range batch {
		if tr.skipReplicaUpdate {
			continue
		}
		updates = append(updates, tr.update)
	}
	if len(updates) > 0 {
		if err := c.Store.UpdateReplicasStates(ctx, updates, true); err != nil {
			return err
		}
	}
	for _, tr := range batch {
		if err := c.settleLock(ctx, tr); err != nil {
			return err
		}
		if err := c.Store.DeleteRequest(ctx, tr.request.ID); err != nil {
			return err
		}
		c.Log.Info().Str("request_id", tr.request.ID).Str("scope", tr.request.Scope).Str("name", tr.request.Name).
			Str("rse_id", tr.update.RSEID).Str("state", string(tr.update.State)).Msg("handled terminated request")
	}
	return nil
}

// settleLock moves the lock backing tr to OK on a successful transfer or
// STUCK once retries are exhausted, matching the replica-state transition
// already applied.
func (c *Coordinator) settleLock(ctx context.Context, tr terminatedReplica) error {
	lockState := types.LockOK
	if tr.update.State == types.ReplicaUnavailable {
		lockState = types.LockStuck
	}
	err := c.Store.UpdateLockState(ctx, tr.request.RuleID, tr.update.RSEID, tr.update.Scope, tr.update.Name, lockState)
	if err != nil && errors.KindOf(err) == errors.KindNotFound {
		return nil
	}
	return err
}

// handleOneReplica is the one-by-one fallback: if the replica row cannot be
// found, it registers a fresh one with an immediate tombstone (dark-data
// quarantine) rather than leaving the request stuck forever.
func (c *Coordinator) handleOneReplica(ctx context.Context, tr terminatedReplica) error {
	if tr.skipReplicaUpdate {
		if err := c.settleLock(ctx, tr); err != nil {
			return err
		}
		return c.Store.DeleteRequest(ctx, tr.request.ID)
	}
	err := c.Store.UpdateReplicasStates(ctx, []catalog.ReplicaStateUpdate{tr.update}, true)
	if err == nil {
		if err := c.settleLock(ctx, tr); err != nil {
			return err
		}
		return c.Store.DeleteRequest(ctx, tr.request.ID)
	}
	if errors.KindOf(err) != errors.KindNotFound {
		return err
	}

	c.Log.Warn().Str("scope", tr.request.Scope).Str("name", tr.request.Name).Str("rse_id", tr.update.RSEID).
		Msg("replica cannot be found, registering with immediate tombstone (dark data)")

	if tr.update.State == types.ReplicaAvailable {
		now := time.Now()
		if addErr := c.Store.AddReplica(ctx, &types.Replica{
			RSEID: tr.update.RSEID, Scope: tr.update.Scope, Name: tr.update.Name,
			State: types.ReplicaAvailable, Bytes: tr.request.Bytes, Tombstone: &now,
			CreatedAt: now, UpdatedAt: now,
		}); addErr != nil {
			return addErr
		}
	}
	return c.Store.DeleteRequest(ctx, tr.request.ID)
}

// RequeueSubmitting finds every TRANSFER/STAGEIN/STAGEOUT request stuck in
// SUBMITTING longer than c.SubmittingTimeout and requeues it.
func (c *Coordinator) RequeueSubmitting(ctx context.Context, shard daemon.ShardSpec) error {
	for _, reqType := range []types.RequestType{types.RequestTypeTransfer, types.RequestTypeStagein, types.RequestTypeStageout} {
		reqs, err := c.Store.GetNext(ctx, reqType, types.RequestSubmitting, c.SubmittingTimeout, shard)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			c.Log.Info().Str("request_id", req.ID).Msg("requeueing stuck SUBMITTING request")
			if err := c.Store.SetRequestState(ctx, req.ID, types.RequestQueued); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetSourceRSE resolves which RSE a source URL belongs to, for multi-source
// transfers where the tool reports only the surl.
func GetSourceRSE(ctx context.Context, store catalog.Store, scope, name, srcURL string) (string, bool, error) {
	replicas, err := store.ListReplicasForDID(ctx, scope, name)
	if err != nil {
		return "", false, err
	}
	for _, r := range replicas {
		if strings.Contains(srcURL, r.Path) && r.Path != "" {
			return r.RSEID, true, nil
		}
	}
	return "", false, nil
}
