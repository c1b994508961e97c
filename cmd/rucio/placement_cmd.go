package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rucio/rucio-go/pkg/daemon"
	"github.com/rucio/rucio-go/pkg/log"
	"github.com/rucio/rucio-go/pkg/placement"
	"github.com/rucio/rucio-go/pkg/rseexpr"
)

var placementCmd = &cobra.Command{
	Use:   "placement",
	Short: "Run the C3PO placement advisor's penalty-decay loop",
	Long: `The placement advisor itself is consulted synchronously by callers
wanting a destination recommendation; this command only runs its periodic
self-cooling penalty decay so recommendations keep spreading across
candidate RSEs over time.`,
	RunE: runPlacement,
}

func init() {
	placementCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
	placementCmd.Flags().Float64("popularity", 20.0, "Constant popularity value reported for every DID")
}

func runPlacement(cmd *cobra.Command, args []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	serveMetrics(metricsAddr)
	popularity, _ := cmd.Flags().GetFloat64("popularity")

	store, err := openCatalog()
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer store.Close()

	evaluator := rseexpr.NewEvaluator(store, 256, cfg.CacheTTL)
	advisor, err := placement.NewAdvisor(context.Background(), placement.DefaultConfig(), store, evaluator, placement.ConstantPopularity(popularity))
	if err != nil {
		return fmt.Errorf("constructing placement advisor: %w", err)
	}

	loop := &daemon.Loop{
		Name:     "placement-decay",
		Interval: cfg.PlacementTick,
		Log:      log.Logger,
		Work:     advisor.DecayPenalties,
	}

	fmt.Println("Placement advisor running. Press Ctrl+C to stop.")
	return runLoops([]*daemon.Loop{loop})
}
