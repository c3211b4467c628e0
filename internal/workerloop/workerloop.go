// Package workerloop wires the scheduler, watcher, idle detector, process
// probe, compression engine, and durable journal into the single
// tick-driven automation loop described in spec.md §4/§5/§9. It is the
// component the teacher's internal/controller occupied: there, four
// concurrent loops (dispatch/result/timeout/snapshot) drove a distributed
// job system; here a single select loop drives one local state machine,
// plus one persist-on-change call, since there is no cluster to fan out to.
package workerloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

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
	"github.com/pressplay/automation/pkg/types"
)

// ErrAlreadyRunning is start_auto_compression's PreconditionViolation
// (spec.md §7) for a second Start call while the loop is already running.
var ErrAlreadyRunning = errors.New("workerloop: already running")

// tickMaxInterval bounds how long the loop can go without re-evaluating the
// scheduler when no watch event arrives. Kept well under spec.md §5's
// 2-second shutdown-responsiveness ceiling rather than sitting right at it.
const tickMaxInterval = 250 * time.Millisecond

// Config holds the loop's hot-reloadable tunables, gathered from every
// collaborator it owns so a single config file reload (spec.md §4.4) can
// push all of them at once.
type Config struct {
	WatcherRoots        []string
	WatcherCooldown     time.Duration
	ExcludedPaths       []string
	CPUThresholdPercent float64
	IdleDuration        time.Duration

	Algorithm                  types.Algorithm
	CheckProcessRunning        bool
	AllowDirectStorageOverride bool

	MaxWorkers          int
	MinCompressibleSize int64
}

// Loop is the worker loop: it owns no state of its own beyond wiring and
// the in-flight operation's cancellation handle, deferring everything else
// to its collaborators.
type Loop struct {
	scheduler *scheduler.Scheduler
	watcher   *watcher.Watcher
	idleDet   *idle.Detector
	probe     *processprobe.Probe
	engine    *engine.Engine
	journal   *journal.Journal
	history   *history.History
	collector *metrics.Collector
	progress  *broadcaster

	mu           sync.Mutex
	cfg          Config
	activeCancel context.CancelFunc
	running      bool

	stopCh   chan struct{}
	reloadCh chan Config
	wg       sync.WaitGroup

	log *slog.Logger
}

// New wires a Loop from already-constructed collaborators. probe may be nil
// to disable the running-process safety check; hist and collector may be
// nil to disable history recording and metrics, respectively.
func New(sched *scheduler.Scheduler, w *watcher.Watcher, idleDet *idle.Detector, probe *processprobe.Probe, eng *engine.Engine, j *journal.Journal, hist *history.History, collector *metrics.Collector, cfg Config) *Loop {
	return &Loop{
		scheduler: sched,
		watcher:   w,
		idleDet:   idleDet,
		probe:     probe,
		engine:    eng,
		journal:   j,
		history:   hist,
		collector: collector,
		progress:  newBroadcaster(),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		reloadCh:  make(chan Config, 1),
		log:       slog.Default(),
	}
}

// Subscribe returns a feed of every in-flight operation's progress
// snapshots, for a status command or UI to observe.
func (l *Loop) Subscribe() (<-chan types.CompressionProgress, func()) {
	return l.progress.Subscribe()
}

// Start begins observing the watched roots and enters the tick loop on a
// background goroutine. A second Start call while the loop is already
// running returns ErrAlreadyRunning without touching anything (spec.md
// §6/§8 scenario S2).
func (l *Loop) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.stopCh = make(chan struct{})
	l.running = true
	l.mu.Unlock()

	if err := l.watcher.Start(); err != nil {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		return fmt.Errorf("workerloop: start watcher: %w", err)
	}
	l.wg.Add(1)
	go l.run()
	return nil
}

// Stop cancels any active compression, halts the tick loop, waits for every
// goroutine it spawned to exit, and stops the watcher. Calling Stop when the
// loop isn't running is a no-op, matching stop_auto_compression's "returns
// ok" behavior regardless of prior state.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	close(l.stopCh)
	l.cancelActive()
	l.wg.Wait()
	l.watcher.Stop()
	l.flushJournal()
	l.flushHistory()
}

// IsRunning reports whether the loop is currently observing watched roots
// and ticking the scheduler (is_auto_compression_running).
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// State reports the scheduler's current state (get_scheduler_state).
func (l *Loop) State() types.SchedulerState {
	return l.scheduler.State()
}

// Queue reports every job the scheduler currently tracks (get_automation_queue).
func (l *Loop) Queue() []types.AutomationJob {
	return l.scheduler.Jobs()
}

// WatcherDiagnostics reports the watcher's noise-filtering counters
// (get_watcher_diagnostics).
func (l *Loop) WatcherDiagnostics() watcher.Diagnostics {
	return l.watcher.Diagnostics()
}

// CancelCompression aborts whatever compression is currently in flight, if
// any (cancel_compression). It is a no-op if nothing is running.
func (l *Loop) CancelCompression() {
	l.cancelActive()
}

// Reload pushes a new Config to the running loop, replacing any reload
// already pending. It is non-blocking.
func (l *Loop) Reload(cfg Config) {
	select {
	case l.reloadCh <- cfg:
		return
	default:
	}
	select {
	case <-l.reloadCh:
	default:
	}
	select {
	case l.reloadCh <- cfg:
	default:
	}
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopCh:
			return
		case cfg := <-l.reloadCh:
			l.applyConfig(cfg)
		case ev := <-l.watcher.Events():
			if l.scheduler.OnEvent(ev) && l.collector != nil {
				l.collector.RecordEnqueued()
			}
			l.flushJournal()
		case <-time.After(tickMaxInterval):
		}
		l.onTick()
	}
}

func (l *Loop) onTick() {
	isIdle := l.idleDet.IsIdle()

	before := l.scheduler.State()
	action := l.scheduler.Tick(isIdle)
	after := l.scheduler.State()

	// The scheduler models user-activity cancellation as a bare state
	// transition; the workerloop is what actually holds the context tied
	// to the running operation, so it forwards the cancellation here.
	if before == types.StateCompressing && after == types.StatePaused {
		l.cancelActive()
	}

	if action.Kind == scheduler.ActionCompress {
		l.dispatch(action.Job)
	}

	l.publishSchedulerMetrics()
	l.flushJournal()
}

func (l *Loop) publishSchedulerMetrics() {
	if l.collector == nil {
		return
	}
	l.collector.SetSchedulerState(l.scheduler.State())
	l.collector.SetQueueDepth(l.scheduler.PendingCount())
	var backoffUnix int64
	if until := l.scheduler.BackoffUntil(); !until.IsZero() {
		backoffUnix = until.Unix()
	}
	l.collector.SetBackoffUntil(backoffUnix)
}

func (l *Loop) flushJournal() {
	if err := l.journal.Flush(); err != nil {
		l.log.Error("workerloop: journal flush failed", "error", err)
	}
}

func (l *Loop) flushHistory() {
	if l.history == nil {
		return
	}
	if err := l.history.Flush(); err != nil {
		l.log.Error("workerloop: history flush failed", "error", err)
	}
}

func (l *Loop) applyConfig(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()

	l.scheduler.UpdateExcludedPaths(cfg.ExcludedPaths)
	l.idleDet.UpdateConfig(cfg.CPUThresholdPercent, cfg.IdleDuration)

	if err := l.watcher.UpdateConfig(watcher.Config{Roots: cfg.WatcherRoots, Cooldown: cfg.WatcherCooldown}); err != nil {
		l.log.Error("workerloop: failed to apply reloaded watcher config", "error", err)
	}
}

// dispatch starts one compress_folder operation for job and spawns the
// goroutines that stream its progress and, once it finishes, report the
// outcome back to the scheduler. The cancel-watcher thread itself is
// onTick's Compressing->Paused check above; this just parks the cancel func
// where that check can reach it.
func (l *Loop) dispatch(job types.AutomationJob) {
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.activeCancel = cancel
	cfg := l.cfg
	l.mu.Unlock()

	log := l.log.With("correlation_id", job.CorrelationID, "game", job.GameName, "kind", job.Kind)
	startedAt := time.Now()

	// Walked once up front so a completed job's history entry can record how
	// far its estimate was from the observed result (spec.md §2's "history
	// entry -> estimator future correction" step).
	estimate, estErr := estimator.EstimateFolderSavings(job.GamePath, cfg.Algorithm)
	if estErr != nil {
		log.Warn("workerloop: failed to compute pre-compression estimate", "error", estErr)
	}

	handle, resultCh, err := l.engine.Start(ctx, engine.Request{
		Path:                       job.GamePath,
		Algorithm:                  cfg.Algorithm,
		AllowDirectStorageOverride: cfg.AllowDirectStorageOverride,
		CheckProcessRunning:        cfg.CheckProcessRunning,
		MaxWorkers:                 cfg.MaxWorkers,
		MinCompressibleSize:        cfg.MinCompressibleSize,
	})
	if err != nil {
		log.Warn("workerloop: compress_folder preconditions failed, skipping job", "error", err)
		l.finishActive(cancel)
		l.scheduler.JobSkipped(job.IdempotencyKey, err.Error())
		if l.collector != nil {
			l.collector.RecordSkipped()
		}
		return
	}

	rep := reporter.New(handle, job.GameName, true)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		rep.Run()
	}()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for p := range rep.Progress() {
			l.progress.publish(p)
			if p.IsComplete {
				return
			}
		}
	}()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		res := <-resultCh
		l.finishActive(cancel)
		durationSeconds := time.Since(startedAt).Seconds()

		switch res.Kind {
		case engine.ResultOK:
			bytesSaved := res.Stats.OriginalBytes - res.Stats.CompressedBytes
			log.Info("workerloop: compression completed",
				"files_processed", res.Stats.FilesProcessed, "bytes_saved", bytesSaved)
			l.scheduler.JobCompleted(job.IdempotencyKey)
			l.recordHistory(job, cfg.Algorithm, estimate, res.Stats, startedAt)
			if l.collector != nil {
				l.collector.RecordCompleted(durationSeconds)
				l.collector.RecordFilesCompressed(res.Stats.FilesProcessed)
				l.collector.RecordBytesSaved(bytesSaved)
			}
		case engine.ResultCancelled:
			log.Warn("workerloop: compression aborted by user activity")
			l.scheduler.JobFailed(job.IdempotencyKey, "aborted due to user activity")
			if l.collector != nil {
				l.collector.RecordFailed(durationSeconds)
			}
		case engine.ResultErr:
			log.Error("workerloop: compression failed", "error", res.Err)
			l.scheduler.JobFailed(job.IdempotencyKey, res.Err.Error())
			if l.collector != nil {
				l.collector.RecordFailed(durationSeconds)
			}
		}
		l.publishSchedulerMetrics()
		l.flushJournal()
		l.flushHistory()
	}()
}

// recordHistory builds the estimate-vs-actual entry for one completed job
// and appends it to the durable history log, the data set
// estimator.FromHistory corrects future estimates from.
func (l *Loop) recordHistory(job types.AutomationJob, algo types.Algorithm, estimate types.EstimateBreakdown, stats types.CompressionStats, startedAt time.Time) {
	if l.history == nil {
		return
	}
	l.history.Record(types.CompressionHistoryEntry{
		GamePath:    job.GamePath,
		GameName:    job.GameName,
		TimestampMs: startedAt.UnixMilli(),
		Estimate:    estimate,
		Actual: types.ActualBreakdown{
			OriginalBytes:    stats.OriginalBytes,
			CompressedBytes:  stats.CompressedBytes,
			ActualSavedBytes: stats.OriginalBytes - stats.CompressedBytes,
			FilesProcessed:   stats.FilesProcessed,
		},
		Algorithm:  algo,
		DurationMs: time.Since(startedAt).Milliseconds(),
	})
}

func (l *Loop) cancelActive() {
	l.mu.Lock()
	cancel := l.activeCancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *Loop) finishActive(cancel context.CancelFunc) {
	cancel()
	l.mu.Lock()
	l.activeCancel = nil
	l.mu.Unlock()
}
