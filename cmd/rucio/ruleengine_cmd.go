package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rucio/rucio-go/pkg/daemon"
	"github.com/rucio/rucio-go/pkg/log"
	"github.com/rucio/rucio-go/pkg/ruleengine"
	"github.com/rucio/rucio-go/pkg/rseexpr"
)

var ruleEngineCmd = &cobra.Command{
	Use:   "ruleengine",
	Short: "Run the rule engine's evaluation, expiration, and counter-reduction loops",
	Long: `Runs the rule engine daemon: periodically re-evaluates STUCK and
REPLICATING rules, deletes expired unlocked rules, and drains the
eventually-consistent account/RSE usage counters.`,
	RunE: runRuleEngine,
}

func init() {
	ruleEngineCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
}

func runRuleEngine(cmd *cobra.Command, args []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	serveMetrics(metricsAddr)

	store, err := openCatalog()
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer store.Close()

	evaluator := rseexpr.NewEvaluator(store, 256, cfg.CacheTTL)
	engine := ruleengine.NewEngine(store, evaluator, nil, log.Logger)
	reducer := ruleengine.NewReducer(store)

	shard := daemon.ShardSpec{Index: cfg.ProcessIndex, Total: cfg.TotalProcesses}

	loops := []*daemon.Loop{
		{
			Name:     "ruleengine-stuck-sweep",
			Interval: cfg.RuleEngineTick,
			Shard:    shard,
			Log:      log.Logger,
			Work:     engine.SweepStuck,
		},
		{
			Name:     "ruleengine-expiration-sweep",
			Interval: cfg.ExpirationTick,
			Shard:    shard,
			Log:      log.Logger,
			Work:     engine.SweepExpired,
		},
		{
			Name:     "ruleengine-reducer",
			Interval: cfg.ReducerTick,
			Shard:    shard,
			Log:      log.Logger,
			Work:     reducer.Tick,
		},
	}

	fmt.Println("Rule engine running. Press Ctrl+C to stop.")
	return runLoops(loops)
}

// runLoops launches every daemon.Loop in its own goroutine and blocks until
// SIGINT/SIGTERM, then cancels the shared context and returns once every
// loop's current tick has finished.
func runLoops(loops []*daemon.Loop) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, l := range loops {
		go l.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	cancel()
	return nil
}
