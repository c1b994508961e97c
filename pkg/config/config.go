// Package config loads the replication control plane's configuration from a
// YAML file, with field-level defaults applied in Go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the external interfaces section: chunk
// and tick sizing for the transmogrifier and conveyor, retry/backoff bounds,
// and cache TTLs for the per-process RSE-expression and naming-convention
// caches.
type Config struct {
	CatalogPath string `yaml:"catalog_path"` // directory holding catalog.db, per catalog.NewBoltStore

	ChunkSize          int           `yaml:"chunk_size"`
	MaxDIDs            int           `yaml:"max_dids"`
	SleepTime          time.Duration `yaml:"sleep_time"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	RetryLimit         int           `yaml:"retry_limit"`
	SubmitStuckTimeout time.Duration `yaml:"submit_stuck_timeout"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`

	WorkerCount int `yaml:"worker_count"`

	RuleEngineTick    time.Duration `yaml:"rule_engine_tick"`
	ExpirationTick    time.Duration `yaml:"expiration_tick"`
	PlacementTick     time.Duration `yaml:"placement_tick"`
	ReducerTick       time.Duration `yaml:"reducer_tick"`
	TransferToolRPS   float64       `yaml:"transfer_tool_rps"`

	Log LogConfig `yaml:"log"`

	ProcessIndex    uint32 `yaml:"process_index"`
	TotalProcesses  uint32 `yaml:"total_processes"`
}

// LogConfig mirrors pkg/log.Config for YAML decoding.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Default returns the configuration used when no file is supplied, matching
// the spec's named defaults (submit_stuck_timeout=1800s, cache_ttl=3600s).
func Default() Config {
	return Config{
		CatalogPath:        "./rucio-data",
		ChunkSize:           100,
		MaxDIDs:             1000,
		SleepTime:           10 * time.Second,
		PollInterval:        60 * time.Second,
		RetryLimit:          3,
		SubmitStuckTimeout:  1800 * time.Second,
		CacheTTL:            3600 * time.Second,
		WorkerCount:         4,
		RuleEngineTick:      30 * time.Second,
		ExpirationTick:      5 * time.Minute,
		PlacementTick:       1 * time.Minute,
		ReducerTick:         1 * time.Minute,
		TransferToolRPS:     10,
		Log:                 LogConfig{Level: "info", JSONOutput: false},
		TotalProcesses:      1,
	}
}

// Load reads and parses a YAML config file, applying it on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
