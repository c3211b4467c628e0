// Package directstorage implements the DirectStorage-sensitivity detector
// described in spec.md §4.8: folders whose I/O path would be broken by
// transparent file compression and must therefore be skipped.
package directstorage

import (
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// embeddedKnownFolders is the read-only set of folder names known in
// advance to be DirectStorage games, matched case-insensitively.
var embeddedKnownFolders = map[string]struct{}{
	"forspoken":                    {},
	"ratchet & clank: rift apart":  {},
	"a plague tale: requiem":       {},
	"diablo iv":                    {},
}

var sentinelFiles = []string{
	"dstorage.dll",
	"dstoragecore.dll",
	"directstorage.json",
	"dstorage.json",
}

const scanDepth = 3

// Detector decides whether a game folder is DirectStorage-sensitive.
type Detector struct {
	mu          sync.Mutex
	learnedPath string
	learned     map[string]struct{}
	log         *slog.Logger

	persistCh   chan struct{}
	persistOnce sync.Once
}

// New creates a Detector whose learned cache is persisted at learnedPath
// (spec.md §6: "<user-config-dir>/pressplay/learned_directstorage_games.json").
func New(learnedPath string) *Detector {
	return &Detector{
		learnedPath: learnedPath,
		learned:     make(map[string]struct{}),
		log:         slog.Default(),
		persistCh:   make(chan struct{}, 1),
	}
}

// Load reads the learned cache from disk. A missing file is not an error.
func (d *Detector) Load() error {
	data, err := os.ReadFile(d.learnedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range names {
		d.learned[strings.ToLower(n)] = struct{}{}
	}
	return nil
}

// IsDirectStorageGame reports whether folderPath is a DirectStorage game,
// consulting in order: the embedded set, the learned set, then a depth-3
// scan for sentinel files. A positive scan result adds the folder's base
// name to the learned set and persists it asynchronously.
func (d *Detector) IsDirectStorageGame(folderPath string) (bool, error) {
	base := strings.ToLower(filepath.Base(filepath.Clean(folderPath)))

	if _, ok := embeddedKnownFolders[base]; ok {
		return true, nil
	}

	d.mu.Lock()
	_, learned := d.learned[base]
	d.mu.Unlock()
	if learned {
		return true, nil
	}

	found, err := scanForSentinels(folderPath, scanDepth)
	if err != nil {
		return false, err
	}
	if found {
		d.mu.Lock()
		d.learned[base] = struct{}{}
		d.mu.Unlock()
		d.requestPersist()
	}
	return found, nil
}

// requestPersist signals the single dedicated writer goroutine to persist
// the learned cache, starting it on first use. The channel's capacity of 1
// coalesces a burst of concurrent detections into one pending write instead
// of racing several goroutines on the same .tmp path (spec.md §4.8/§5).
func (d *Detector) requestPersist() {
	d.persistOnce.Do(func() {
		go func() {
			for range d.persistCh {
				if err := d.persist(); err != nil {
					d.log.Warn("directstorage: failed to persist learned cache", "error", err)
				}
			}
		}()
	})
	select {
	case d.persistCh <- struct{}{}:
	default:
	}
}

func (d *Detector) persist() error {
	d.mu.Lock()
	names := make([]string, 0, len(d.learned))
	for n := range d.learned {
		names = append(names, n)
	}
	d.mu.Unlock()

	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(d.learnedPath), 0o755); err != nil {
		return err
	}

	tmpPath := d.learnedPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, d.learnedPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func scanForSentinels(root string, maxDepth int) (bool, error) {
	rootDepth := strings.Count(filepath.Clean(root), string(filepath.Separator))
	found := false

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if found {
			return fs.SkipAll
		}
		if err != nil {
			return nil
		}
		depth := strings.Count(filepath.Clean(path), string(filepath.Separator)) - rootDepth
		if entry.IsDir() {
			if depth > maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if depth > maxDepth {
			return nil
		}
		name := strings.ToLower(entry.Name())
		for _, sentinel := range sentinelFiles {
			if name == sentinel {
				found = true
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
