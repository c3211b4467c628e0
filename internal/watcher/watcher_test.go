package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pressplay/automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNoise(t *testing.T) {
	assert.True(t, isNoise("C:\\Games\\G1\\Desktop.ini"))
	assert.True(t, isNoise("C:\\Games\\G1\\Thumbs.db"))
	assert.True(t, isNoise("C:\\Games\\G1\\.DS_Store"))
	assert.True(t, isNoise("C:\\Games\\G1\\save.TMP"))
	assert.True(t, isNoise("C:\\Games\\G1\\patch.crdownload"))
	assert.False(t, isNoise("C:\\Games\\G1\\game.exe"))
}

func TestResolveGameFolder(t *testing.T) {
	w := New(Config{Roots: []string{"/games"}, Cooldown: time.Second})

	folder, name, ok := w.resolveGameFolder("/games/G1/data/save.bin")
	require.True(t, ok)
	assert.Equal(t, filepath.Clean("/games/G1"), folder)
	assert.Equal(t, "G1", name)

	_, _, ok = w.resolveGameFolder("/other/G1/save.bin")
	assert.False(t, ok, "events outside any watched root are dropped")

	_, _, ok = w.resolveGameFolder("/games")
	assert.False(t, ok, "the root itself is not a game folder")
}

func TestClassify(t *testing.T) {
	root := filepath.Clean("/games/G1")

	assert.Equal(t, types.KindInstalled, classify("/games/G1", root, fsnotify.Create))
	assert.Equal(t, types.KindUninstalled, classify("/games/G1", root, fsnotify.Remove))
	assert.Equal(t, types.KindInstalled, classify("/games/G1/file.exe", root, fsnotify.Create), "direct child create")
	assert.Equal(t, types.KindModified, classify("/games/G1/sub/file.exe", root, fsnotify.Create), "nested create is Modified")
	assert.Equal(t, types.KindModified, classify("/games/G1/file.exe", root, fsnotify.Write))
}

func TestStartStopIdempotent(t *testing.T) {
	root := t.TempDir()
	w := New(Config{Roots: []string{root}, Cooldown: time.Millisecond})

	require.NoError(t, w.Start())
	require.NoError(t, w.Start(), "starting twice is a no-op")

	w.Stop()
	w.Stop() // stopping twice is a no-op and must not panic
}

func TestEndToEndInstalledEventSettles(t *testing.T) {
	root := t.TempDir()
	w := New(Config{Roots: []string{root}, Cooldown: 10 * time.Millisecond})
	require.NoError(t, w.Start())
	defer w.Stop()

	gameDir := filepath.Join(root, "G1")
	require.NoError(t, os.Mkdir(gameDir, 0o755))

	select {
	case ev := <-w.Events():
		assert.Equal(t, types.KindInstalled, ev.Kind)
		assert.Equal(t, gameDir, ev.GamePath)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for settled event")
	}
}
