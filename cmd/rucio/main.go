package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/rucio/rucio-go/pkg/catalog"
	"github.com/rucio/rucio-go/pkg/config"
	"github.com/rucio/rucio-go/pkg/log"
	"github.com/rucio/rucio-go/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

var cfg config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rucio",
	Short: "Rucio - scientific data replication control plane",
	Long: `Rucio manages the replication of scientific data files across a
federation of storage elements: it admits declarative replication rules,
grounds them into physical replicas and transfer requests, drives those
transfers to completion, and subscribes newly registered datasets to
replication policy automatically.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("rucio version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().Uint32("process-index", 0, "This process's shard index")
	rootCmd.PersistentFlags().Uint32("total-processes", 1, "Total number of shard processes")

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(ruleEngineCmd)
	rootCmd.AddCommand(conveyorCmd)
	rootCmd.AddCommand(transmogrifierCmd)
	rootCmd.AddCommand(placementCmd)
	rootCmd.AddCommand(catalogCmd)
}

// initConfig loads config.Config from --config (if given), then applies
// any persistent-flag overrides, and initializes the global logger before
// any subcommand's RunE executes.
func initConfig() {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	loaded, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded

	if lvl, _ := rootCmd.PersistentFlags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json"); asJSON {
		cfg.Log.JSONOutput = true
	}
	if idx, _ := rootCmd.PersistentFlags().GetUint32("process-index"); idx != 0 {
		cfg.ProcessIndex = idx
	}
	if total, _ := rootCmd.PersistentFlags().GetUint32("total-processes"); total != 0 {
		cfg.TotalProcesses = total
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSONOutput,
	})
}

// openCatalog opens the bbolt-backed catalog store at cfg.CatalogPath.
func openCatalog() (*catalog.BoltStore, error) {
	return catalog.NewBoltStore(cfg.CatalogPath)
}

// serveMetrics starts the Prometheus /metrics endpoint plus the /health,
// /ready, and /live health-check endpoints in the background.
func serveMetrics(addr string) {
	metrics.SetVersion(Version)
	metrics.RegisterComponent("catalog", true, "open")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Error().Err(err).Str("addr", addr).Msg("metrics server exited")
		}
	}()
	log.Logger.Info().Str("addr", addr).Msg("metrics endpoint started")
}
