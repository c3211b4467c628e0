package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pressplay/automation/internal/journal"
	"github.com/pressplay/automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	j := journal.New(filepath.Join(t.TempDir(), "journal.json"))
	return New(Config{}, j)
}

func TestOnEventTransitionsWaitingForEventsToSettle(t *testing.T) {
	s := newTestScheduler(t)
	assert.Equal(t, types.StateWaitingForEvents, s.State())

	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindInstalled})
	assert.Equal(t, types.StateWaitingForSettle, s.State())
}

func TestTickAdvancesSettleToIdleToSafetyCheckToCompressing(t *testing.T) {
	s := newTestScheduler(t)
	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindInstalled})

	action := s.Tick(false)
	assert.Equal(t, ActionNone, action.Kind)
	assert.Equal(t, types.StateWaitingForIdle, s.State(), "zero SettleDuration elapses immediately")

	action = s.Tick(false)
	assert.Equal(t, types.StateWaitingForIdle, s.State(), "stays put while not idle")

	action = s.Tick(true)
	assert.Equal(t, ActionCompress, action.Kind)
	assert.Equal(t, types.JobNewInstall, action.Job.Kind)
	assert.Equal(t, types.StateCompressing, s.State())
}

func TestSafetyCheckReturnsToWaitingForEventsWhenQueueEmpty(t *testing.T) {
	s := newTestScheduler(t)
	s.mu.Lock()
	s.state = types.StateSafetyCheck
	s.mu.Unlock()

	action := s.Tick(true)
	assert.Equal(t, ActionNone, action.Kind)
	assert.Equal(t, types.StateWaitingForEvents, s.State())
}

func TestPriorityOrderReconcileBeforeNewInstallBeforeOpportunistic(t *testing.T) {
	s := newTestScheduler(t)
	// Force an opportunistic-kind job directly, since on_event only mints
	// NewInstall (Installed) and Reconcile (Modified) kinds.
	s.mu.Lock()
	key := "opportunistic-key"
	s.jobs[key] = &types.AutomationJob{GamePath: "/games/Opp", GameName: "Opp", Kind: types.JobOpportunistic, Status: types.StatusPending, IdempotencyKey: key}
	s.pending = append(s.pending, key)
	s.mu.Unlock()
	s.OnEvent(types.WatchEvent{GamePath: "/games/New", GameName: "New", Kind: types.KindInstalled})
	s.OnEvent(types.WatchEvent{GamePath: "/games/Rec", GameName: "Rec", Kind: types.KindModified})
	s.mu.Lock()
	s.state = types.StateSafetyCheck
	s.mu.Unlock()

	action := s.Tick(true)
	require.Equal(t, ActionCompress, action.Kind)
	assert.Equal(t, types.JobReconcile, action.Job.Kind)
}

func TestUninstallRemovesPendingJobsAndJournalEntries(t *testing.T) {
	s := newTestScheduler(t)
	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindInstalled})
	require.Equal(t, 1, s.journal.Len())

	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindUninstalled})
	assert.Equal(t, 0, s.journal.Len())
	assert.Empty(t, s.pending)
}

func TestUninstallDuringActiveCompressionDoesNotCancel(t *testing.T) {
	s := newTestScheduler(t)
	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindInstalled})
	s.Tick(false) // -> WaitingForIdle
	action := s.Tick(true)
	require.Equal(t, ActionCompress, action.Kind)
	key := action.Job.IdempotencyKey

	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindUninstalled})

	s.mu.Lock()
	_, stillTracked := s.jobs[key]
	s.mu.Unlock()
	assert.True(t, stillTracked, "the active job is not touched by an uninstall event")
}

func TestJobFailedAppliesBackoffLadder(t *testing.T) {
	s := newTestScheduler(t)
	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindInstalled})
	s.Tick(false)
	action := s.Tick(true)
	key := action.Job.IdempotencyKey

	s.JobFailed(key, "disk full")
	assert.Equal(t, types.StateWaitingForEvents, s.State(), "no pending work left, so no need to wait out backoff")
	assert.Equal(t, 1, s.consecutiveFailures)
}

func TestJobFailedGoesToBackoffWhenJobsPending(t *testing.T) {
	s := newTestScheduler(t)
	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindInstalled})
	s.Tick(false)
	action := s.Tick(true)
	key := action.Job.IdempotencyKey

	s.OnEvent(types.WatchEvent{GamePath: "/games/G2", GameName: "G2", Kind: types.KindInstalled})

	s.JobFailed(key, "locked")
	assert.Equal(t, types.StateBackoff, s.State())

	s.mu.Lock()
	s.backoffUntil = s.now().Add(-time.Second)
	s.mu.Unlock()
	s.Tick(true)
	assert.Equal(t, types.StateWaitingForIdle, s.State())
}

func TestJobCompletedResetsFailureCounter(t *testing.T) {
	s := newTestScheduler(t)
	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindInstalled})
	s.Tick(false)
	action := s.Tick(true)
	key := action.Job.IdempotencyKey

	s.mu.Lock()
	s.consecutiveFailures = 3
	s.mu.Unlock()

	s.JobCompleted(key)
	s.mu.Lock()
	failures := s.consecutiveFailures
	s.mu.Unlock()
	assert.Equal(t, 0, failures)
	assert.Equal(t, types.StateWaitingForEvents, s.State())
}

func TestExcludedPathsAreDropped(t *testing.T) {
	s := New(Config{ExcludedPaths: []string{"steamapps\\common\\redist"}}, journal.New(filepath.Join(t.TempDir(), "j.json")))
	s.OnEvent(types.WatchEvent{GamePath: `C:\Games\SteamApps\Common\Redist\vcredist`, GameName: "vcredist", Kind: types.KindInstalled})
	assert.Empty(t, s.pending)
}

func TestDuplicatePendingEventForSamePathIsDeduplicated(t *testing.T) {
	s := newTestScheduler(t)
	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindInstalled})
	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindModified})
	assert.Len(t, s.pending, 1)
}

func TestPauseMakesTickANoOp(t *testing.T) {
	s := newTestScheduler(t)
	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindInstalled})
	s.Pause()
	action := s.Tick(true)
	assert.Equal(t, ActionNone, action.Kind)
	assert.Equal(t, types.StateWaitingForSettle, s.State(), "paused scheduler does not advance")
}

func TestResumeLandsInWaitingForIdleWhenWorkPending(t *testing.T) {
	s := newTestScheduler(t)
	s.OnEvent(types.WatchEvent{GamePath: "/games/G1", GameName: "G1", Kind: types.KindInstalled})
	s.Pause()
	s.Resume()
	assert.Equal(t, types.StateWaitingForIdle, s.State())
}

func TestResumeLandsInWaitingForEventsWhenNothingPending(t *testing.T) {
	s := newTestScheduler(t)
	s.Pause()
	s.Resume()
	assert.Equal(t, types.StateWaitingForEvents, s.State())
}

func TestRestoreOrNewRehydratesJournalAsPendingAndWaitsForIdle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	j := journal.New(path)
	j.Insert(types.JournalEntry{GamePath: "/games/G1", GameName: "G1", EventKind: types.KindInstalled, IdempotencyKey: "/games/g1:abc", QueuedAt: time.Now()})
	require.NoError(t, j.Flush())

	j2 := journal.New(path)
	require.NoError(t, j2.Load())

	s := RestoreOrNew(Config{}, j2)
	assert.Equal(t, types.StateWaitingForIdle, s.State())
	assert.Len(t, s.pending, 1)
}
