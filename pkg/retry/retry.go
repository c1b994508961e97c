// Package retry implements bounded exponential backoff for the transient
// lock-contention and deadlock classes daemons encounter against the
// catalog store.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rucio/rucio-go/pkg/errors"
)

// Config configures retry behavior.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, adds randomness
}

// DefaultConfig returns the default backoff: up to 5 attempts, 50ms initial
// delay doubling to at most 5s, with 20% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Do executes fn, retrying only while fn's error is transient (per
// errors.IsTransient). Any other error returns immediately without retry,
// matching the spec's propagation policy: transient contention is deferred,
// everything else surfaces.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.IsTransient(err) {
			return err
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(addJitter(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg Config) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
