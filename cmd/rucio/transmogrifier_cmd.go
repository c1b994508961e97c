package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rucio/rucio-go/pkg/daemon"
	"github.com/rucio/rucio-go/pkg/log"
	"github.com/rucio/rucio-go/pkg/ruleengine"
	"github.com/rucio/rucio-go/pkg/rseexpr"
	"github.com/rucio/rucio-go/pkg/transmogrifier"
)

var transmogrifierCmd = &cobra.Command{
	Use:   "transmogrifier",
	Short: "Match newly registered DIDs against active subscriptions and submit rules",
	RunE:  runTransmogrifier,
}

func init() {
	transmogrifierCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
}

func runTransmogrifier(cmd *cobra.Command, args []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	serveMetrics(metricsAddr)

	store, err := openCatalog()
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer store.Close()

	evaluator := rseexpr.NewEvaluator(store, 256, cfg.CacheTTL)
	engine := ruleengine.NewEngine(store, evaluator, nil, log.Logger)

	tcfg := transmogrifier.Config{ChunkSize: cfg.ChunkSize, MaxDIDs: cfg.MaxDIDs, WorkerCount: cfg.WorkerCount}
	supervisor := transmogrifier.NewSupervisor(tcfg, store, engine, log.Logger)

	fmt.Println("Transmogrifier running. Press Ctrl+C to stop.")
	return runLoops([]*daemon.Loop{transmogrifier.NewLoop(supervisor, cfg.SleepTime)})
}
