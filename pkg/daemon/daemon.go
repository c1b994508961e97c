// Package daemon provides the generic ticker-driven worker loop shared by
// every long-running role in this module: the rule engine's evaluation and
// expiration sweeps, the conveyor's submitter/poller/finisher/stager, the
// transmogrifier's supervisor, and the placement advisor's penalty decay.
package daemon

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"
)

// ShardSpec partitions a set of primary keys across disjoint workers via a
// stable hash, collapsing the process/thread pair into a single index/total
// since workers in this module are goroutines, not OS processes.
type ShardSpec struct {
	Index uint32
	Total uint32
}

// Owns reports whether id falls within this shard.
func (s ShardSpec) Owns(id string) bool {
	if s.Total <= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32()%s.Total == s.Index
}

// Loop is a graceful-stop ticker loop: Work runs once per Interval until ctx
// is cancelled. A unit of work already in flight always runs to completion;
// cancellation is only observed between ticks.
type Loop struct {
	Name     string
	Interval time.Duration
	Shard    ShardSpec
	Work     func(ctx context.Context) error
	Log      zerolog.Logger
}

// Run blocks until ctx is cancelled, invoking Work once per tick.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	l.Log.Info().Str("daemon", l.Name).Msg("daemon loop started")

	for {
		select {
		case <-ticker.C:
			if err := l.Work(ctx); err != nil {
				l.Log.Error().Err(err).Str("daemon", l.Name).Msg("daemon tick failed")
			}
		case <-ctx.Done():
			l.Log.Info().Str("daemon", l.Name).Msg("daemon loop stopped")
			return
		}
	}
}
