// Package config implements pressplay's YAML-backed configuration, loaded
// at startup and re-loaded on demand (spec.md §4.4), grounded on the
// teacher's cmd/queue Config struct and internal/cli's loadConfig.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pressplay/automation/internal/coalescer"
	"github.com/pressplay/automation/internal/idle"
	"github.com/pressplay/automation/internal/processprobe"
	"github.com/pressplay/automation/internal/watcher"
	"github.com/pressplay/automation/internal/workerloop"
	"github.com/pressplay/automation/pkg/types"
	"gopkg.in/yaml.v3"
)

// AutomationConfig is the on-disk shape of pressplay's configuration file.
type AutomationConfig struct {
	WatchPaths          []string `yaml:"watch_paths"`
	ExcludedPaths       []string `yaml:"excluded_paths"`
	CooldownSeconds     int      `yaml:"cooldown_seconds"`
	CPUThresholdPercent float64  `yaml:"cpu_threshold_percent"`
	IdleDurationSeconds int      `yaml:"idle_duration_seconds"`

	Algorithm                  types.Algorithm `yaml:"algorithm"`
	CheckProcessRunning        bool            `yaml:"check_process_running"`
	AllowDirectStorageOverride bool            `yaml:"allow_direct_storage_override"`

	Engine struct {
		MaxWorkers          int   `yaml:"max_workers"`
		MinCompressibleSize int64 `yaml:"min_compressible_size"`
	} `yaml:"engine"`

	JournalPath            string `yaml:"journal_path"`
	DirectStorageCachePath string `yaml:"direct_storage_cache_path"`
	HistoryPath            string `yaml:"history_path"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default returns the spec's documented defaults. Load starts from this and
// overlays whatever the file specifies, so a config file can omit any
// section it doesn't need to change.
func Default() AutomationConfig {
	var cfg AutomationConfig
	cfg.CooldownSeconds = int(coalescer.DefaultCooldown / time.Second)
	cfg.CPUThresholdPercent = idle.DefaultCPUThresholdPercent
	cfg.IdleDurationSeconds = int(idle.DefaultIdleDuration / time.Second)
	cfg.Algorithm = types.AlgorithmXpress8K
	cfg.CheckProcessRunning = true
	cfg.JournalPath = "pressplay-journal.json"
	cfg.DirectStorageCachePath = "pressplay-directstorage-cache.json"
	cfg.HistoryPath = "pressplay-compression-history.json"
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads and parses path, overlaying its values onto Default(). A
// missing file is not an error: pressplay runs on defaults alone the first
// time, the same way the journal and the DirectStorage cache tolerate a
// missing file on first run.
func Load(path string) (AutomationConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse yaml: %w", err)
	}
	return cfg, nil
}

// WatcherConfig projects the watcher-relevant fields.
func (c AutomationConfig) WatcherConfig() watcher.Config {
	return watcher.Config{
		Roots:    c.WatchPaths,
		Cooldown: time.Duration(c.CooldownSeconds) * time.Second,
	}
}

// ProcessProbeRefreshInterval returns the probe's refresh cadence. pressplay
// does not currently expose this as a file setting; it uses the package
// default unconditionally.
func (c AutomationConfig) ProcessProbeRefreshInterval() time.Duration {
	return processprobe.DefaultRefreshInterval
}

// WorkerLoopConfig projects every field workerloop.Config needs, so the
// worker loop does not need to know this package's on-disk shape.
func (c AutomationConfig) WorkerLoopConfig() workerloop.Config {
	return workerloop.Config{
		WatcherRoots:               c.WatchPaths,
		WatcherCooldown:            time.Duration(c.CooldownSeconds) * time.Second,
		ExcludedPaths:              c.ExcludedPaths,
		CPUThresholdPercent:        c.CPUThresholdPercent,
		IdleDuration:               time.Duration(c.IdleDurationSeconds) * time.Second,
		Algorithm:                  c.Algorithm,
		CheckProcessRunning:        c.CheckProcessRunning,
		AllowDirectStorageOverride: c.AllowDirectStorageOverride,
		MaxWorkers:                 c.Engine.MaxWorkers,
		MinCompressibleSize:        c.Engine.MinCompressibleSize,
	}
}
