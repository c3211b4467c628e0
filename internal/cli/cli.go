// Package cli builds pressplay's Cobra command tree, grounded on the
// teacher's internal/cli/cli.go: a persistent --config flag, a "run"
// command standing up the whole system and blocking on a shutdown signal,
// and lighter one-shot commands for inspection and manual invocation.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pressplay/automation/internal/compressapi"
	"github.com/pressplay/automation/internal/config"
	"github.com/pressplay/automation/internal/directstorage"
	"github.com/pressplay/automation/internal/engine"
	"github.com/pressplay/automation/internal/estimator"
	"github.com/pressplay/automation/internal/history"
	"github.com/pressplay/automation/internal/idle"
	"github.com/pressplay/automation/internal/journal"
	"github.com/pressplay/automation/internal/metrics"
	"github.com/pressplay/automation/internal/processprobe"
	"github.com/pressplay/automation/internal/reporter"
	"github.com/pressplay/automation/internal/scheduler"
	"github.com/pressplay/automation/internal/watcher"
	"github.com/pressplay/automation/internal/workerloop"
	"github.com/pressplay/automation/pkg/types"
	"github.com/spf13/cobra"
)

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:   "pressplay",
		Short: "Transparent-compression automation for PC game libraries",
		Long: `pressplay watches installed game folders, waits for the machine to sit
idle, and applies NTFS transparent compression to the games most likely to
benefit from it — without ever touching a folder a DirectStorage title or a
running game has staked out.`,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "pressplay.yaml", "config file path")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildStatusCommand())
	root.AddCommand(buildCompressCommand())
	root.AddCommand(buildDecompressCommand())
	root.AddCommand(buildEstimateCommand())

	return root
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the worker loop in the foreground",
		Long:  "Starts the scheduler, watcher, and compression engine and blocks until SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground()
		},
	}
}

func runForeground() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}

	j := journal.New(cfg.JournalPath)
	if err := j.Load(); err != nil {
		return fmt.Errorf("cli: load journal: %w", err)
	}
	sched := scheduler.RestoreOrNew(scheduler.Config{ExcludedPaths: cfg.ExcludedPaths}, j)

	ds := directstorage.New(cfg.DirectStorageCachePath)
	if err := ds.Load(); err != nil {
		return fmt.Errorf("cli: load direct storage cache: %w", err)
	}

	probe := processprobe.New(cfg.ProcessProbeRefreshInterval())
	eng := engine.New(compressapi.NewNTFS(), ds, probe)
	w := watcher.New(cfg.WatcherConfig())
	idleDet := idle.New(cfg.CPUThresholdPercent, time.Duration(cfg.IdleDurationSeconds)*time.Second)

	hist := history.New(cfg.HistoryPath)
	if err := hist.Load(); err != nil {
		return fmt.Errorf("cli: load compression history: %w", err)
	}

	var collector *metrics.Collector
	ctx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			if err := collector.Serve(ctx, cfg.Metrics.Port); err != nil {
				slog.Error("cli: metrics server stopped with an error", "error", err)
			}
		}()
	}

	loop := workerloop.New(sched, w, idleDet, probe, eng, j, hist, collector, cfg.WorkerLoopConfig())

	if err := loop.Start(); err != nil {
		return fmt.Errorf("cli: start worker loop: %w", err)
	}
	slog.Info("pressplay started", "config", configFile, "watch_paths", cfg.WatchPaths)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("pressplay received shutdown signal, stopping")
	loop.Stop()
	slog.Info("pressplay stopped")
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current scheduler state and queue as JSON",
		Long:  "Reads the durable journal and reports what it holds; this does not query a running process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd)
		},
	}
}

type statusOutput struct {
	State types.SchedulerState  `json:"state"`
	Jobs  []types.AutomationJob `json:"jobs"`
}

func printStatus(cmd *cobra.Command) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}

	j := journal.New(cfg.JournalPath)
	if err := j.Load(); err != nil {
		return fmt.Errorf("cli: load journal: %w", err)
	}
	sched := scheduler.RestoreOrNew(scheduler.Config{ExcludedPaths: cfg.ExcludedPaths}, j)

	out := statusOutput{State: sched.State(), Jobs: sched.Jobs()}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func buildCompressCommand() *cobra.Command {
	var algo string
	var allowDirectStorage bool
	var checkProcess bool

	cmd := &cobra.Command{
		Use:   "compress <path>",
		Short: "Run a one-shot compress_folder operation against a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompress(cmd, args[0], types.Algorithm(algo), allowDirectStorage, checkProcess)
		},
	}

	cmd.Flags().StringVar(&algo, "algorithm", string(types.AlgorithmXpress8K), "compression algorithm: xpress4k, xpress8k, xpress16k, lzx")
	cmd.Flags().BoolVar(&allowDirectStorage, "allow-direct-storage-override", false, "compress even if the folder is a detected DirectStorage game")
	cmd.Flags().BoolVar(&checkProcess, "check-process-running", true, "refuse to compress while the game appears to be running")

	return cmd
}

func runCompress(cmd *cobra.Command, path string, algo types.Algorithm, allowDirectStorage, checkProcess bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}

	ds := directstorage.New(cfg.DirectStorageCachePath)
	if err := ds.Load(); err != nil {
		return fmt.Errorf("cli: load direct storage cache: %w", err)
	}
	probe := processprobe.New(cfg.ProcessProbeRefreshInterval())
	eng := engine.New(compressapi.NewNTFS(), ds, probe)

	handle, resultCh, err := eng.Start(context.Background(), engine.Request{
		Path:                       path,
		Algorithm:                  algo,
		AllowDirectStorageOverride: allowDirectStorage,
		CheckProcessRunning:        checkProcess,
		MaxWorkers:                 cfg.Engine.MaxWorkers,
		MinCompressibleSize:        cfg.Engine.MinCompressibleSize,
	})
	if err != nil {
		return fmt.Errorf("cli: compress %s: %w", path, err)
	}

	rep := reporter.New(handle, filepath.Base(path), true)
	go rep.Run()

	out := cmd.OutOrStdout()
	for p := range rep.Progress() {
		fmt.Fprintf(out, "\r%s: %d/%d files, %d bytes saved", p.GameName, p.FilesProcessed, p.FilesTotal, p.BytesSaved)
		if p.IsComplete {
			fmt.Fprintln(out)
			break
		}
	}

	result := <-resultCh
	switch result.Kind {
	case engine.ResultOK:
		fmt.Fprintf(out, "done: %d files processed, %d bytes saved\n",
			result.Stats.FilesProcessed, result.Stats.OriginalBytes-result.Stats.CompressedBytes)
		return nil
	case engine.ResultCancelled:
		return fmt.Errorf("cli: compression was cancelled")
	default:
		return fmt.Errorf("cli: compression failed: %w", result.Err)
	}
}

func buildDecompressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decompress <path>",
		Short: "Reverse transparent compression on a folder (decompress_game)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecompress(cmd, args[0])
		},
	}
}

func runDecompress(cmd *cobra.Command, path string) error {
	eng := engine.New(compressapi.NewNTFS(), nil, nil)

	_, resultCh, err := eng.StartDecompress(context.Background(), path)
	if err != nil {
		return fmt.Errorf("cli: decompress %s: %w", path, err)
	}

	result := <-resultCh
	out := cmd.OutOrStdout()
	switch result.Kind {
	case engine.ResultOK:
		fmt.Fprintf(out, "done: %d files processed, %d skipped\n", result.Stats.FilesProcessed, result.Stats.FilesSkipped)
		return nil
	case engine.ResultCancelled:
		return fmt.Errorf("cli: decompression was cancelled")
	default:
		return fmt.Errorf("cli: decompression failed: %w", result.Err)
	}
}

func buildEstimateCommand() *cobra.Command {
	var algo string

	cmd := &cobra.Command{
		Use:   "estimate <path>",
		Short: "Predict compression savings for a folder without compressing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEstimate(cmd, args[0], types.Algorithm(algo))
		},
	}
	cmd.Flags().StringVar(&algo, "algorithm", string(types.AlgorithmXpress8K), "compression algorithm: xpress4k, xpress8k, xpress16k, lzx")
	return cmd
}

func runEstimate(cmd *cobra.Command, path string, algo types.Algorithm) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: load config: %w", err)
	}

	hist := history.New(cfg.HistoryPath)
	if err := hist.Load(); err != nil {
		return fmt.Errorf("cli: load compression history: %w", err)
	}

	breakdown, correction, err := estimator.EstimateCompressionSavings(path, algo, hist.Snapshot(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("cli: estimate %s: %w", path, err)
	}
	slog.Debug("cli: applied adaptive correction to estimate",
		"path", path, "source", correction.Source, "multiplier", correction.Multiplier, "confidence", correction.Confidence)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(breakdown)
}
