package conveyor

import (
	"context"
	"time"

	"github.com/rucio/rucio-go/pkg/daemon"
	"github.com/rucio/rucio-go/pkg/types"
)

// NewSubmitterLoop builds the daemon.Loop that claims QUEUED requests for
// this shard, marks them SUBMITTING, submits them in bulk to the transfer
// tool, and marks them SUBMITTED with the returned external id. If the bulk
// submission fails they stay SUBMITTING until the finisher requeues them.
func NewSubmitterLoop(c *Coordinator, interval time.Duration, shard daemon.ShardSpec, batchSize int) *daemon.Loop {
	return &daemon.Loop{
		Name:     "conveyor-submitter",
		Interval: interval,
		Shard:    shard,
		Log:      c.Log,
		Work: func(ctx context.Context) error {
			return c.submitOnce(ctx, shard, batchSize)
		},
	}
}

func (c *Coordinator) submitOnce(ctx context.Context, shard daemon.ShardSpec, batchSize int) error {
	var jobs []TransferJob
	var reqs []*types.Request
	for _, reqType := range []types.RequestType{types.RequestTypeTransfer, types.RequestTypeStagein, types.RequestTypeStageout} {
		batch, err := c.Store.GetNext(ctx, reqType, types.RequestQueued, 0, shard)
		if err != nil {
			return err
		}
		for _, req := range batch {
			if len(jobs) >= batchSize {
				break
			}
			if reqType != types.RequestTypeTransfer && !c.isStageEligible(ctx, req) {
				c.Log.Debug().Str("request_id", req.ID).Str("dest_rse", req.DestRSEID).
					Msg("destination RSE is not a staging area, deferring stage request")
				continue
			}
			jobs = append(jobs, TransferJob{
				RequestID: req.ID, Scope: req.Scope, Name: req.Name,
				SrcURL: req.SrcURL, DestURL: req.DestURL, Bytes: req.Bytes,
			})
			reqs = append(reqs, req)
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	for _, req := range reqs {
		req.State = types.RequestSubmitting
		req.UpdatedAt = time.Now()
		if err := c.Store.UpdateRequest(ctx, req); err != nil {
			c.Log.Error().Err(err).Str("request_id", req.ID).Msg("failed to mark request SUBMITTING")
		}
	}

	transferID, err := c.Tool.Submit(ctx, jobs)
	if err != nil {
		c.Log.Error().Err(err).Msg("bulk submission failed")
		return nil
	}

	for _, req := range reqs {
		req.State = types.RequestSubmitted
		req.ExternalID = transferID
		req.UpdatedAt = time.Now()
		if err := c.Store.UpdateRequest(ctx, req); err != nil {
			c.Log.Error().Err(err).Str("request_id", req.ID).Msg("failed to mark request SUBMITTED")
		}
	}
	return nil
}

// isStageEligible reports whether req's destination RSE is marked as a
// staging area. STAGEIN/STAGEOUT requests targeting a non-staging RSE are
// left QUEUED rather than submitted.
func (c *Coordinator) isStageEligible(ctx context.Context, req *types.Request) bool {
	rse, err := c.Store.GetRSE(ctx, req.DestRSEID)
	if err != nil {
		return false
	}
	return rse.StagingArea
}

// NewPollerLoop builds the daemon.Loop that bulk-queries every in-flight
// external transfer and applies UpdateRequestState to each response.
func NewPollerLoop(c *Coordinator, interval time.Duration, shard daemon.ShardSpec) *daemon.Loop {
	return &daemon.Loop{
		Name:     "conveyor-poller",
		Interval: interval,
		Shard:    shard,
		Log:      c.Log,
		Work: func(ctx context.Context) error {
			return c.pollOnce(ctx, shard, []types.RequestType{types.RequestTypeTransfer})
		},
	}
}

// pollOnce bulk-queries every in-flight request of the given types and
// applies UpdateRequestState to each response.
func (c *Coordinator) pollOnce(ctx context.Context, shard daemon.ShardSpec, reqTypes []types.RequestType) error {
	var submitted []*types.Request
	for _, reqType := range reqTypes {
		reqs, err := c.Store.GetNext(ctx, reqType, types.RequestSubmitted, 0, shard)
		if err != nil {
			return err
		}
		submitted = append(submitted, reqs...)
	}
	if len(submitted) == 0 {
		return nil
	}

	ids := make([]string, 0, len(submitted))
	byID := make(map[string][]*types.Request)
	for _, req := range submitted {
		if req.ExternalID == "" {
			continue
		}
		if _, ok := byID[req.ExternalID]; !ok {
			ids = append(ids, req.ExternalID)
		}
		byID[req.ExternalID] = append(byID[req.ExternalID], req)
	}

	results, err := c.Tool.BulkQuery(ctx, ids)
	if err != nil {
		c.Log.Error().Err(err).Msg("failed to contact transfer tool")
		return nil
	}

	for transferID, reqsForID := range byID {
		result, found := results[transferID]
		if !found {
			// Lost: the tool has no record of this transfer at all.
			for _, req := range reqsForID {
				if _, err := c.UpdateRequestState(ctx, QueryResult{RequestID: req.ID, ExternalID: transferID, NewState: types.RequestLost, Reason: "transfer lost"}); err != nil {
					c.Log.Error().Err(err).Str("request_id", req.ID).Msg("failed to mark request LOST")
				}
			}
			continue
		}
		result.ExternalID = transferID
		for _, req := range reqsForID {
			r := result
			r.RequestID = req.ID
			if _, err := c.UpdateRequestState(ctx, r); err != nil {
				c.Log.Error().Err(err).Str("request_id", req.ID).Msg("failed to apply poll result")
			}
		}
	}
	return nil
}

// NewFinisherLoop builds the daemon.Loop that claims terminal requests for
// this shard and hands them to HandleTerminatedReplicas, then requeues any
// request stuck in SUBMITTING past the timeout.
func NewFinisherLoop(c *Coordinator, interval time.Duration, shard daemon.ShardSpec) *daemon.Loop {
	return &daemon.Loop{
		Name:     "conveyor-finisher",
		Interval: interval,
		Shard:    shard,
		Log:      c.Log,
		Work: func(ctx context.Context) error {
			if err := c.finishOnce(ctx, shard); err != nil {
				return err
			}
			return c.RequeueSubmitting(ctx, shard)
		},
	}
}

func (c *Coordinator) finishOnce(ctx context.Context, shard daemon.ShardSpec) error {
	var terminal []*types.Request
	for _, state := range []types.RequestState{types.RequestDone, types.RequestFailed, types.RequestLost} {
		for _, reqType := range []types.RequestType{types.RequestTypeTransfer, types.RequestTypeStagein, types.RequestTypeStageout} {
			reqs, err := c.Store.GetNext(ctx, reqType, state, 0, shard)
			if err != nil {
				return err
			}
			terminal = append(terminal, reqs...)
		}
	}
	if len(terminal) == 0 {
		return nil
	}
	return c.HandleTerminatedReplicas(ctx, terminal)
}

// NewStagerLoop builds the daemon.Loop for STAGEIN/STAGEOUT requests: it
// submits newly-queued staging requests (submitOnce already covers all
// RequestTypes) and then polls the ones it put into SUBMITTED, since
// conveyor-poller only ever looks at TRANSFER requests. Without this second
// step, staging requests would move QUEUED -> SUBMITTED and never advance
// to a terminal state.
func NewStagerLoop(c *Coordinator, interval time.Duration, shard daemon.ShardSpec, batchSize int) *daemon.Loop {
	stageTypes := []types.RequestType{types.RequestTypeStagein, types.RequestTypeStageout}
	return &daemon.Loop{
		Name:     "conveyor-stager",
		Interval: interval,
		Shard:    shard,
		Log:      c.Log,
		Work: func(ctx context.Context) error {
			if err := c.submitOnce(ctx, shard, batchSize); err != nil {
				return err
			}
			return c.pollOnce(ctx, shard, stageTypes)
		},
	}
}
