// safety_test.go covers the engine's safety rejections and cancellation
// semantics (spec.md §8, scenarios S4 and S5): a DirectStorage folder is
// refused unless overridden, and a cancelled operation reports a partial
// result while leaving the engine ready for the next one.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pressplay/automation/internal/compressapi"
	"github.com/pressplay/automation/internal/directstorage"
	"github.com/pressplay/automation/internal/engine"
	"github.com/pressplay/automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDirectStorageBlocksCompressionUntilOverridden is S4.
func TestDirectStorageBlocksCompressionUntilOverridden(t *testing.T) {
	gameDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(gameDir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gameDir, "bin", "dstorage.dll"), []byte("stub"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(gameDir, "save.bin"), make([]byte, 10000), 0o644))

	learnedPath := filepath.Join(t.TempDir(), "learned.json")
	ds := directstorage.New(learnedPath)
	require.NoError(t, ds.Load())

	eng := engine.New(compressapi.NewFake(), ds, nil)

	_, _, err := eng.Start(context.Background(), engine.Request{Path: gameDir, Algorithm: types.AlgorithmXpress8K})
	assert.ErrorIs(t, err, engine.ErrDirectStorageDetected)

	deadline := time.Now().Add(2 * time.Second)
	var learnedCache string
	for time.Now().Before(deadline) {
		data, readErr := os.ReadFile(learnedPath)
		if readErr == nil && len(data) > 0 {
			learnedCache = strings.ToLower(string(data))
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, learnedCache, "detected DirectStorage folder should be persisted to the learned cache")
	assert.Contains(t, learnedCache, strings.ToLower(filepath.Base(gameDir)))

	handle, resultCh, err := eng.Start(context.Background(), engine.Request{
		Path: gameDir, Algorithm: types.AlgorithmXpress8K, AllowDirectStorageOverride: true,
	})
	require.NoError(t, err)
	require.NotNil(t, handle)

	res := <-resultCh
	assert.Equal(t, engine.ResultOK, res.Kind)
}

// slowFake adds a small per-file delay so a cancellation test has a window
// to cancel mid-operation instead of racing a near-instant fake.
type slowFake struct {
	*compressapi.Fake
	delay time.Duration
}

func (s *slowFake) CompressFile(path string, algo types.Algorithm) (compressapi.Outcome, error) {
	time.Sleep(s.delay)
	return s.Fake.CompressFile(path, algo)
}

// TestCancellationMidOperationLeavesPartialResultAndResetsToken is S5: over
// 64 large files, cancelling mid-operation reports Cancelled with
// files_processed < files_total, and the engine accepts a fresh operation
// right after.
func TestCancellationMidOperationLeavesPartialResultAndResetsToken(t *testing.T) {
	gameDir := t.TempDir()
	for i := 0; i < 64; i++ {
		name := filepath.Join(gameDir, "file"+string(rune('A'+i%26))+string(rune('0'+i/26))+".bin")
		require.NoError(t, os.WriteFile(name, make([]byte, 1_000_000), 0o644))
	}

	fake := &slowFake{Fake: compressapi.NewFake(), delay: 20 * time.Millisecond}
	eng := engine.New(fake, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	handle, resultCh, err := eng.Start(ctx, engine.Request{Path: gameDir, Algorithm: types.AlgorithmXpress8K, MaxWorkers: 4})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	cancel()

	res := <-resultCh
	assert.Equal(t, engine.ResultCancelled, res.Kind)
	assert.Less(t, res.Stats.FilesProcessed, int64(64))
	assert.Equal(t, int64(64), handle.Counters.FilesTotal.Load())

	// The gate must be free again for the next operation.
	otherDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(otherDir, "a.bin"), make([]byte, 10000), 0o644))
	_, resultCh2, err := eng.Start(context.Background(), engine.Request{Path: otherDir, Algorithm: types.AlgorithmXpress8K})
	require.NoError(t, err)
	res2 := <-resultCh2
	assert.Equal(t, engine.ResultOK, res2.Kind)
}
