// Package scheduler implements the single-threaded, single-owner state
// machine described in spec.md §4.5: it owns the pending job queue, the
// durable journal, and the backoff ladder, and moves at most one job into
// Compressing per tick.
package scheduler

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressplay/automation/internal/journal"
	"github.com/pressplay/automation/pkg/types"
)

// ActionKind is what tick() asks its caller to perform.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionCompress
)

// Action is tick()'s single instruction to the caller, if any.
type Action struct {
	Kind ActionKind
	Job  types.AutomationJob
}

// Config holds the scheduler's tunables.
type Config struct {
	ExcludedPaths []string
	// SettleDuration is the scheduler's own settle window on top of the
	// watcher's coalescer cooldown. Defaults to zero: the coalescer has
	// already debounced the burst by the time on_event fires here, so the
	// WaitingForSettle state in spec.md §4.5's diagram is modeled but not
	// re-delayed unless a caller configures one explicitly.
	SettleDuration time.Duration
}

// Scheduler is the automation state machine. All methods are safe for
// concurrent use, though spec.md assumes a single owning thread calling
// tick/on_event/outcome hooks serially.
type Scheduler struct {
	mu sync.Mutex

	cfg   Config
	state types.SchedulerState

	jobs    map[string]*types.AutomationJob
	pending []string // idempotency keys, insertion order

	finishedByStatus map[types.JobStatus][]string

	journal *journal.Journal

	consecutiveFailures int
	backoffUntil        time.Time
	lastEventAt         time.Time
	pausedExternally    bool
	activeKey           string

	now func() time.Time
}

// New creates a Scheduler starting in WaitingForEvents with an empty queue.
func New(cfg Config, j *journal.Journal) *Scheduler {
	return &Scheduler{
		cfg:              cfg,
		state:            types.StateWaitingForEvents,
		jobs:             make(map[string]*types.AutomationJob),
		finishedByStatus: make(map[types.JobStatus][]string),
		journal:          j,
		now:              time.Now,
	}
}

// RestoreOrNew rehydrates a scheduler from journal entries left behind by a
// previous run (spec.md §4.5: "restore_or_new"). Every entry is rehydrated
// as Pending; if anything was restored, the scheduler lands in
// WaitingForIdle rather than WaitingForEvents, since those files already
// settled before the crash.
func RestoreOrNew(cfg Config, j *journal.Journal) *Scheduler {
	s := New(cfg, j)

	entries := j.Snapshot()
	for _, e := range entries {
		job := &types.AutomationJob{
			GamePath:       e.GamePath,
			GameName:       e.GameName,
			Kind:           kindForRestoredEvent(e.EventKind),
			Status:         types.StatusPending,
			IdempotencyKey: e.IdempotencyKey,
			CorrelationID:  uuid.NewString(),
			QueuedAt:       e.QueuedAt,
		}
		s.jobs[job.IdempotencyKey] = job
		s.pending = append(s.pending, job.IdempotencyKey)
	}

	if len(s.pending) > 0 {
		s.state = types.StateWaitingForIdle
	}
	return s
}

func kindForRestoredEvent(kind types.WatchEventKind) types.JobKind {
	if kind == types.KindInstalled {
		return types.JobNewInstall
	}
	return types.JobReconcile
}

// State returns the scheduler's current state.
func (s *Scheduler) State() types.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnEvent ingests a settled watch event (spec.md §4.5). It reports whether
// the event resulted in a new job being enqueued, for callers that need to
// count enqueue events (e.g. metrics).
func (s *Scheduler) OnEvent(ev types.WatchEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Kind == types.KindUninstalled {
		s.removeJobsForPath(ev.GamePath)
		prefix := strings.ToLower(ev.GamePath) + ":"
		s.journal.RemoveByPrefix(prefix)
		return false
	}

	if s.isExcluded(ev.GamePath) {
		return false
	}
	if s.hasPendingForPath(ev.GamePath) {
		return false
	}

	// spec.md §3: idempotency key is lowercase(canonical_path):enqueue_epoch_seconds,
	// so same-second re-deliveries for a path collapse onto one key (P1). The
	// correlation ID below is a separate, uuid-based value used only for log
	// correlation (SPEC_FULL.md's domain-stack note).
	key := strings.ToLower(ev.GamePath) + ":" + strconv.FormatInt(s.now().Unix(), 10)
	job := &types.AutomationJob{
		GamePath:       ev.GamePath,
		GameName:       ev.GameName,
		Kind:           jobKindForEvent(ev.Kind),
		Status:         types.StatusPending,
		IdempotencyKey: key,
		CorrelationID:  uuid.NewString(),
		QueuedAt:       s.now(),
	}

	s.enqueue(job)

	s.journal.Insert(types.JournalEntry{
		GamePath:       job.GamePath,
		GameName:       job.GameName,
		EventKind:      ev.Kind,
		IdempotencyKey: job.IdempotencyKey,
		QueuedAt:       job.QueuedAt,
	})

	s.lastEventAt = s.now()
	if s.state == types.StateWaitingForEvents {
		s.state = types.StateWaitingForSettle
	}
	return true
}

func jobKindForEvent(kind types.WatchEventKind) types.JobKind {
	if kind == types.KindInstalled {
		return types.JobNewInstall
	}
	return types.JobReconcile
}

func (s *Scheduler) isExcluded(gamePath string) bool {
	lower := strings.ToLower(gamePath)
	for _, excluded := range s.cfg.ExcludedPaths {
		if strings.Contains(lower, strings.ToLower(excluded)) {
			return true
		}
	}
	return false
}

func (s *Scheduler) hasPendingForPath(gamePath string) bool {
	for _, key := range s.pending {
		if job, ok := s.jobs[key]; ok && job.GamePath == gamePath {
			return true
		}
	}
	return false
}

// enqueue appends a job to the pending queue, evicting the oldest pending
// entry if the queue is already at spec.md §5's MaxQueueSize bound.
func (s *Scheduler) enqueue(job *types.AutomationJob) {
	if len(s.pending) >= types.MaxQueueSize {
		evictedKey := s.pending[0]
		s.pending = s.pending[1:]
		delete(s.jobs, evictedKey)
	}
	s.jobs[job.IdempotencyKey] = job
	s.pending = append(s.pending, job.IdempotencyKey)
}

func (s *Scheduler) removeJobsForPath(gamePath string) {
	kept := s.pending[:0]
	for _, key := range s.pending {
		job := s.jobs[key]
		if job != nil && job.GamePath == gamePath {
			delete(s.jobs, key)
			continue
		}
		kept = append(kept, key)
	}
	s.pending = kept
}

// Tick consults is_idle and advances the state machine by one step,
// returning an Action if the new state calls for one. An idle tick in
// WaitingForIdle passes through SafetyCheck in the same call, so it can end
// in Compressing with an ActionCompress.
func (s *Scheduler) Tick(isIdle bool) Action {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pausedExternally {
		return Action{Kind: ActionNone}
	}

	switch s.state {
	case types.StateWaitingForEvents:
		// Nothing to do; OnEvent drives the next transition.

	case types.StateWaitingForSettle:
		if s.now().Sub(s.lastEventAt) >= s.cfg.SettleDuration {
			s.state = types.StateWaitingForIdle
		}

	case types.StateWaitingForIdle:
		if isIdle {
			s.state = types.StateSafetyCheck
			return s.advanceSafetyCheck()
		}

	case types.StateSafetyCheck:
		return s.advanceSafetyCheck()

	case types.StateCompressing:
		if !isIdle {
			s.state = types.StatePaused
		}

	case types.StatePaused:
		if isIdle {
			s.state = types.StateCompressing
		}

	case types.StateBackoff:
		if s.now().After(s.backoffUntil) || s.now().Equal(s.backoffUntil) {
			s.state = types.StateWaitingForIdle
		}
	}

	s.syncHeadJobStatus()
	return Action{Kind: ActionNone}
}

func (s *Scheduler) advanceSafetyCheck() Action {
	key, ok := s.pickNextJob()
	if !ok {
		s.state = types.StateWaitingForEvents
		return Action{Kind: ActionNone}
	}

	job := s.jobs[key]
	job.Status = types.StatusCompressing
	now := s.now()
	job.StartedAt = &now
	s.activeKey = key
	s.state = types.StateCompressing

	s.syncHeadJobStatus()
	return Action{Kind: ActionCompress, Job: *job}
}

// pickNextJob selects the highest-priority pending entry:
// Reconcile > NewInstall > Opportunistic, insertion order within a kind.
func (s *Scheduler) pickNextJob() (string, bool) {
	for _, wantKind := range []types.JobKind{types.JobReconcile, types.JobNewInstall, types.JobOpportunistic} {
		for i, key := range s.pending {
			job := s.jobs[key]
			if job == nil || job.Kind != wantKind {
				continue
			}
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return key, true
		}
	}
	return "", false
}

// syncHeadJobStatus mirrors the scheduler's current waiting phase onto the
// head-of-queue job so status consumers can show what the next job is
// waiting on, without tracking a redundant per-job copy of scheduler state.
func (s *Scheduler) syncHeadJobStatus() {
	if len(s.pending) == 0 {
		return
	}
	head := s.jobs[s.pending[0]]
	if head == nil {
		return
	}
	switch s.state {
	case types.StateWaitingForSettle:
		head.Status = types.StatusWaitingForSettle
	case types.StateWaitingForIdle, types.StateSafetyCheck, types.StateBackoff:
		head.Status = types.StatusWaitingForIdle
	default:
		head.Status = types.StatusPending
	}
}

// JobCompleted records a successful compression (spec.md §4.5).
func (s *Scheduler) JobCompleted(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishJob(key, types.StatusCompleted, "")
	s.consecutiveFailures = 0
	s.transitionAfterOutcome(false)
}

// JobFailed records a failed compression and advances the backoff ladder.
func (s *Scheduler) JobFailed(key, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishJob(key, types.StatusFailed, reason)

	s.consecutiveFailures++
	backoff := types.InitialBackoff * (1 << uint(s.consecutiveFailures-1))
	if backoff > types.MaxBackoff {
		backoff = types.MaxBackoff
	}
	s.backoffUntil = s.now().Add(backoff)

	s.transitionAfterOutcome(true)
}

// JobSkipped records a skipped compression (e.g. the folder vanished
// before the operation started). No backoff is applied.
func (s *Scheduler) JobSkipped(key, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishJob(key, types.StatusSkipped, reason)
	s.transitionAfterOutcome(false)
}

func (s *Scheduler) finishJob(key string, status types.JobStatus, reason string) {
	job, ok := s.jobs[key]
	if !ok {
		return
	}
	job.Status = status
	job.Error = reason
	s.journal.Remove(key)

	s.finishedByStatus[status] = append(s.finishedByStatus[status], key)
	if len(s.finishedByStatus[status]) > types.MaxFinishedJobs {
		dropped := s.finishedByStatus[status][0]
		s.finishedByStatus[status] = s.finishedByStatus[status][1:]
		delete(s.jobs, dropped)
	}

	if s.activeKey == key {
		s.activeKey = ""
	}
}

func (s *Scheduler) transitionAfterOutcome(failed bool) {
	hasPending := len(s.pending) > 0
	switch {
	case failed && hasPending:
		s.state = types.StateBackoff
	case failed:
		s.state = types.StateWaitingForEvents
	case hasPending:
		s.state = types.StateWaitingForIdle
	default:
		s.state = types.StateWaitingForEvents
	}
}

// Pause externally suspends dispatch; Tick becomes a no-op until Resume.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedExternally = true
}

// Resume clears an external pause, landing in WaitingForIdle if work is
// pending or active, else WaitingForEvents.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pausedExternally = false
	if len(s.pending) > 0 || s.activeKey != "" {
		s.state = types.StateWaitingForIdle
	} else {
		s.state = types.StateWaitingForEvents
	}
}

// UpdateExcludedPaths hot-applies a new exclusion list (spec.md §4.4's
// config reload extends to the scheduler's own path filter).
func (s *Scheduler) UpdateExcludedPaths(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ExcludedPaths = paths
}

// PendingCount reports the current length of the pending queue, for
// get_automation_queue/metrics consumers that only need the depth.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// BackoffUntil reports the deadline the current backoff will clear, or the
// zero time if the scheduler isn't backing off.
func (s *Scheduler) BackoffUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.StateBackoff {
		return time.Time{}
	}
	return s.backoffUntil
}

// Jobs returns a snapshot of every tracked job, for status reporting.
func (s *Scheduler) Jobs() []types.AutomationJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.AutomationJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}
