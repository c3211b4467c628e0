// Package watcher implements the directory watcher described in spec.md
// §4.4: an OS filesystem observer configured for recursive notifications on
// each watched root, bridging raw events through a coalescer into a bounded
// stream of settled WatchEvents.
package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pressplay/automation/internal/coalescer"
	"github.com/pressplay/automation/pkg/types"
)

// boundedWait mirrors the 500ms timeout spec.md §5 requires between raw
// event reads, so a stop signal stays responsive even with no filesystem
// activity.
const boundedWait = 500 * time.Millisecond

var noiseNames = map[string]struct{}{
	"desktop.ini": {},
	"thumbs.db":   {},
	".ds_store":   {},
}

var noiseExtensions = map[string]struct{}{
	"tmp":        {},
	"bak":        {},
	"log":        {},
	"crdownload": {},
	"partial":    {},
}

// Config is the watcher's hot-reloadable configuration.
type Config struct {
	Roots    []string
	Cooldown time.Duration
}

// Diagnostics exposes counters operators may want for troubleshooting
// (spec.md §9 notes some operators may prefer a diagnostic counter for
// silently-filtered noise).
type Diagnostics struct {
	NoiseFiltered int64
	EventsDropped int64
}

// Watcher owns a fsnotify recursive observer and a dedicated bridging
// goroutine that feeds a Coalescer and drains settled events to Events().
type Watcher struct {
	mu        sync.Mutex
	cfg       Config
	coalescer *coalescer.Coalescer
	fsWatcher *fsnotify.Watcher
	out       chan types.WatchEvent
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool

	noiseFiltered atomic.Int64
	eventsDropped atomic.Int64

	log *slog.Logger
}

// New creates a Watcher for the given roots and cooldown. Start must be
// called to begin observing.
func New(cfg Config) *Watcher {
	return &Watcher{
		cfg:       cfg,
		coalescer: coalescer.New(cfg.Cooldown),
		out:       make(chan types.WatchEvent, types.WatcherChannelCap),
		log:       slog.Default(),
	}
}

// Events returns the bounded channel of settled watch events.
func (w *Watcher) Events() <-chan types.WatchEvent {
	return w.out
}

// Diagnostics returns a snapshot of the watcher's noise/drop counters.
func (w *Watcher) Diagnostics() Diagnostics {
	return Diagnostics{
		NoiseFiltered: w.noiseFiltered.Load(),
		EventsDropped: w.eventsDropped.Load(),
	}
}

// Start begins observing. It is idempotent: calling Start on an already
// running Watcher is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}

	for _, root := range w.cfg.Roots {
		if err := addRecursive(fsw, root); err != nil {
			w.log.Warn("watcher: failed to watch root", "root", root, "error", err)
		}
	}

	w.fsWatcher = fsw
	w.stopCh = make(chan struct{})
	w.running = true

	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop halts observing. It is idempotent: calling Stop on an already
// stopped Watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	fsw := w.fsWatcher
	w.mu.Unlock()

	fsw.Close()
	w.wg.Wait()
}

// UpdateConfig stops and restarts the watcher so roots and cooldown can
// change at runtime (spec.md §4.4).
func (w *Watcher) UpdateConfig(cfg Config) error {
	w.Stop()

	w.mu.Lock()
	w.cfg = cfg
	w.coalescer = coalescer.New(cfg.Cooldown)
	w.mu.Unlock()

	return w.Start()
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Best effort: an unreadable subtree is skipped, not fatal.
			return nil
		}
		if d.IsDir() {
			_ = fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleRawEvent(ev)
			w.drainAndEmit()
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			// Non-fatal: the OS watch keeps running on the remaining roots.
		case <-time.After(boundedWait):
			w.drainAndEmit()
		}
	}
}

func (w *Watcher) handleRawEvent(ev fsnotify.Event) {
	if isNoise(ev.Name) {
		w.noiseFiltered.Add(1)
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = addRecursive(w.fsWatcher, ev.Name)
		}
	}

	gameFolder, gameName, ok := w.resolveGameFolder(ev.Name)
	if !ok {
		return
	}

	kind := classify(ev.Name, gameFolder, ev.Op)
	w.coalescer.Ingest(gameFolder, kind, gameName)
}

func (w *Watcher) drainAndEmit() {
	for _, ev := range w.coalescer.DrainSettled() {
		select {
		case w.out <- ev:
		default:
			w.eventsDropped.Add(1)
			w.log.Warn("watcher: output channel full, dropping newest event", "game_path", ev.GamePath)
		}
	}
}

func isNoise(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if _, ok := noiseNames[base]; ok {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(base)), ".")
	_, ok := noiseExtensions[ext]
	return ok
}

// resolveGameFolder finds the watched root that is a prefix of the event
// path and returns the first path component below that root.
func (w *Watcher) resolveGameFolder(eventPath string) (gameFolder, gameName string, ok bool) {
	cleanPath := filepath.Clean(eventPath)
	for _, root := range w.cfg.Roots {
		cleanRoot := filepath.Clean(root)
		rel, err := filepath.Rel(cleanRoot, cleanPath)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		parts := strings.Split(rel, string(filepath.Separator))
		folder := filepath.Join(cleanRoot, parts[0])
		return folder, parts[0], true
	}
	return "", "", false
}

// classify derives a WatchEventKind from a raw event's op and whether its
// path is the game folder itself / a direct child, or nested deeper.
func classify(eventPath, gameFolder string, op fsnotify.Op) types.WatchEventKind {
	clean := filepath.Clean(eventPath)
	isSelfOrDirectChild := clean == gameFolder || filepath.Dir(clean) == gameFolder

	if isSelfOrDirectChild {
		switch {
		case op.Has(fsnotify.Remove):
			return types.KindUninstalled
		case op.Has(fsnotify.Create):
			return types.KindInstalled
		}
	}
	return types.KindModified
}
