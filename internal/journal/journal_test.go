package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pressplay/automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(key string) types.JournalEntry {
	return types.JournalEntry{
		GamePath:       "C:\\Games\\G1",
		GameName:       "G1",
		EventKind:      types.KindInstalled,
		IdempotencyKey: key,
		QueuedAt:       time.Now(),
	}
}

func TestInsertDeduplicatesByKey(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "journal.json"))
	j.Insert(entry("k1"))
	j.Insert(entry("k1"))
	assert.Equal(t, 1, j.Len())
}

func TestRemove(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "journal.json"))
	j.Insert(entry("k1"))
	j.Remove("k1")
	assert.Equal(t, 0, j.Len())
}

func TestRemoveByPrefix(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "journal.json"))
	j.Insert(entry("c:\\games\\g1:100"))
	j.Insert(entry("c:\\games\\g1:200"))
	j.Insert(entry("c:\\games\\g2:100"))

	removed := j.RemoveByPrefix("c:\\games\\g1:")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, j.Len())
}

func TestFlushIsAtomicAndLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	j := New(path)
	j.Insert(entry("k1"))
	j.Insert(entry("k2"))

	require.NoError(t, j.Flush())

	// No stray temp file left behind after a clean flush.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	j2 := New(path)
	require.NoError(t, j2.Load())
	assert.Equal(t, 2, j2.Len())
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, j.Load())
	assert.Equal(t, 0, j.Len())
}

func TestLoadDeduplicatesAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	j := New(path)
	j.Insert(entry("k1"))
	require.NoError(t, j.Flush())

	j2 := New(path)
	require.NoError(t, j2.Load())
	require.NoError(t, j2.Load())
	assert.Equal(t, 1, j2.Len())
}
