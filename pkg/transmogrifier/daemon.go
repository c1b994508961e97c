package transmogrifier

import (
	"context"
	"time"

	"github.com/rucio/rucio-go/pkg/daemon"
)

// NewLoop builds the daemon.Loop that runs Supervisor.RunOnce on a fixed
// interval. The transmogrifier is unsharded: every worker scans the same
// unprocessed-DID queue, relying on MarkDIDProcessed to make re-evaluation
// idempotent rather than partitioning by a ShardSpec.
func NewLoop(s *Supervisor, interval time.Duration) *daemon.Loop {
	return &daemon.Loop{
		Name:     "transmogrifier",
		Interval: interval,
		Log:      s.log,
		Work:     s.RunOnce,
	}
}
