package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rucio/rucio-go/pkg/conveyor"
	"github.com/rucio/rucio-go/pkg/daemon"
	"github.com/rucio/rucio-go/pkg/log"
	"github.com/rucio/rucio-go/pkg/ruleengine"
	"github.com/rucio/rucio-go/pkg/rseexpr"
)

var conveyorCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Run a conveyor role: submitter, poller, finisher, or stager",
}

var conveyorSubmitterCmd = &cobra.Command{
	Use:   "submitter",
	Short: "Submit QUEUED transfer requests to the transfer tool in bulk",
	RunE:  runConveyorRole("conveyor-submitter"),
}

var conveyorPollerCmd = &cobra.Command{
	Use:   "poller",
	Short: "Poll the transfer tool for in-flight SUBMITTED requests",
	RunE:  runConveyorRole("conveyor-poller"),
}

var conveyorFinisherCmd = &cobra.Command{
	Use:   "finisher",
	Short: "Settle terminal (DONE/FAILED/LOST) requests and requeue stuck SUBMITTING ones",
	RunE:  runConveyorRole("conveyor-finisher"),
}

var conveyorStagerCmd = &cobra.Command{
	Use:   "stager",
	Short: "Submit STAGEIN/STAGEOUT requests to the transfer tool",
	RunE:  runConveyorRole("conveyor-stager"),
}

func init() {
	for _, c := range []*cobra.Command{conveyorSubmitterCmd, conveyorPollerCmd, conveyorFinisherCmd, conveyorStagerCmd} {
		c.Flags().String("fts-endpoint", "https://fts.example:8446", "FTS3 endpoint base URL")
		c.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
		conveyorCmd.AddCommand(c)
	}
}

func runConveyorRole(role string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		serveMetrics(metricsAddr)

		endpoint, _ := cmd.Flags().GetString("fts-endpoint")

		store, err := openCatalog()
		if err != nil {
			return fmt.Errorf("opening catalog: %w", err)
		}
		defer store.Close()

		tool := conveyor.NewFTSClient(endpoint, cfg.TransferToolRPS, int(cfg.TransferToolRPS))
		evaluator := rseexpr.NewEvaluator(store, 256, cfg.CacheTTL)
		engine := ruleengine.NewEngine(store, evaluator, nil, log.Logger)
		coordinator := conveyor.NewCoordinator(store, tool, engine, log.Logger)
		shard := daemon.ShardSpec{Index: cfg.ProcessIndex, Total: cfg.TotalProcesses}

		var loop *daemon.Loop
		switch role {
		case "conveyor-submitter":
			loop = conveyor.NewSubmitterLoop(coordinator, cfg.PollInterval, shard, 100)
		case "conveyor-poller":
			loop = conveyor.NewPollerLoop(coordinator, cfg.PollInterval, shard)
		case "conveyor-finisher":
			loop = conveyor.NewFinisherLoop(coordinator, cfg.PollInterval, shard)
		case "conveyor-stager":
			loop = conveyor.NewStagerLoop(coordinator, cfg.PollInterval, shard, 100)
		}

		fmt.Printf("%s running. Press Ctrl+C to stop.\n", role)
		return runLoops([]*daemon.Loop{loop})
	}
}
