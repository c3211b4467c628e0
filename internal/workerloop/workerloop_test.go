package workerloop

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pressplay/automation/internal/compressapi"
	"github.com/pressplay/automation/internal/engine"
	"github.com/pressplay/automation/internal/history"
	"github.com/pressplay/automation/internal/idle"
	"github.com/pressplay/automation/internal/journal"
	"github.com/pressplay/automation/internal/metrics"
	"github.com/pressplay/automation/internal/scheduler"
	"github.com/pressplay/automation/internal/watcher"
	"github.com/pressplay/automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T, gamesDir string) (*Loop, *scheduler.Scheduler) {
	t.Helper()
	j := journal.New(filepath.Join(t.TempDir(), "journal.json"))
	sched := scheduler.New(scheduler.Config{}, j)
	w := watcher.New(watcher.Config{Roots: []string{gamesDir}, Cooldown: 10 * time.Millisecond})
	// Threshold of 100 means any sampled CPU% reads as idle; a zero idle
	// duration means the loop doesn't have to wait out a real debounce.
	idleDet := idle.New(100, 0)
	eng := engine.New(compressapi.NewFake(), nil, nil)

	loop := New(sched, w, idleDet, nil, eng, j, nil, nil, Config{Algorithm: types.AlgorithmXpress8K})
	return loop, sched
}

func TestLoopDispatchesAndCompletesAJob(t *testing.T) {
	gamesDir := t.TempDir()
	gameDir := filepath.Join(gamesDir, "MyGame")
	require.NoError(t, os.MkdirAll(gameDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gameDir, "data.bin"), make([]byte, 10000), 0o644))

	loop, sched := newTestLoop(t, gamesDir)
	require.NoError(t, loop.Start())
	defer loop.Stop()

	sched.OnEvent(types.WatchEvent{GamePath: gameDir, GameName: "MyGame", Kind: types.KindInstalled})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		jobs := sched.Jobs()
		if len(jobs) == 1 && jobs[0].Status == types.StatusCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not reach Completed in time")
}

func TestLoopSubscribeReceivesProgress(t *testing.T) {
	gamesDir := t.TempDir()
	gameDir := filepath.Join(gamesDir, "MyGame")
	require.NoError(t, os.MkdirAll(gameDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gameDir, "data.bin"), make([]byte, 10000), 0o644))

	loop, sched := newTestLoop(t, gamesDir)
	require.NoError(t, loop.Start())
	defer loop.Stop()

	progressCh, unsubscribe := loop.Subscribe()
	defer unsubscribe()

	sched.OnEvent(types.WatchEvent{GamePath: gameDir, GameName: "MyGame", Kind: types.KindInstalled})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case p := <-progressCh:
			if p.IsComplete {
				return
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("subscriber never observed a completed snapshot")
}

func TestLoopRecordsHistoryAndMetricsOnCompletion(t *testing.T) {
	gamesDir := t.TempDir()
	gameDir := filepath.Join(gamesDir, "MyGame")
	require.NoError(t, os.MkdirAll(gameDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gameDir, "data.bin"), make([]byte, 10000), 0o644))

	j := journal.New(filepath.Join(t.TempDir(), "journal.json"))
	sched := scheduler.New(scheduler.Config{}, j)
	w := watcher.New(watcher.Config{Roots: []string{gamesDir}, Cooldown: 10 * time.Millisecond})
	idleDet := idle.New(100, 0)
	eng := engine.New(compressapi.NewFake(), nil, nil)
	hist := history.New(filepath.Join(t.TempDir(), "history.json"))
	collector := metrics.NewCollector()

	loop := New(sched, w, idleDet, nil, eng, j, hist, collector, Config{Algorithm: types.AlgorithmXpress8K})
	require.NoError(t, loop.Start())
	defer loop.Stop()

	sched.OnEvent(types.WatchEvent{GamePath: gameDir, GameName: "MyGame", Kind: types.KindInstalled})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hist.Len() > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, 1, hist.Len(), "a completed job should record exactly one history entry")

	entry := hist.Snapshot()[0]
	assert.Equal(t, gameDir, entry.GamePath)
	assert.Equal(t, types.AlgorithmXpress8K, entry.Algorithm)
	assert.Positive(t, entry.Actual.ActualSavedBytes)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()
	// The event went to sched.OnEvent directly, not through the watcher
	// channel the loop counts enqueues on, so no enqueue is recorded.
	assert.Contains(t, body, "pressplay_jobs_enqueued_total 0")
	assert.Contains(t, body, "pressplay_jobs_completed_total 1")
	assert.Contains(t, body, "pressplay_files_compressed_total 1")
}

func TestDoubleStartRefused(t *testing.T) {
	gamesDir := t.TempDir()
	loop, _ := newTestLoop(t, gamesDir)

	require.NoError(t, loop.Start())
	defer loop.Stop()

	require.True(t, loop.IsRunning())
	require.ErrorIs(t, loop.Start(), ErrAlreadyRunning)
	require.True(t, loop.IsRunning())

	loop.Stop()
	require.False(t, loop.IsRunning())
}

func TestStopCancelsActiveCompression(t *testing.T) {
	gamesDir := t.TempDir()
	gameDir := filepath.Join(gamesDir, "MyGame")
	require.NoError(t, os.MkdirAll(gameDir, 0o755))
	for i := 0; i < 50; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(gameDir, string(rune('a'+i))+".bin"), make([]byte, 10000), 0o644))
	}

	loop, sched := newTestLoop(t, gamesDir)
	require.NoError(t, loop.Start())

	sched.OnEvent(types.WatchEvent{GamePath: gameDir, GameName: "MyGame", Kind: types.KindInstalled})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sched.State() == types.StateCompressing {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		loop.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return promptly; active compression was not cancelled")
	}
}
