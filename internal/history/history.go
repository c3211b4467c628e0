// Package history implements the durable estimate-vs-actual log described
// in spec.md §4.9/§6: every completed compression records how far its
// estimate was from the observed result, closing the feedback loop the
// adaptive estimator reads back from (spec.md §1/§2).
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pressplay/automation/pkg/types"
)

// maxEntries is spec.md §6's history-file retention bound: trimmed to the
// 1000 newest entries by timestamp on flush.
const maxEntries = 1000

const fileVersion = 1

// History holds the in-memory estimate/actual log and mirrors it to disk on
// Flush, the same rename-over-temp-file pattern as the journal.
type History struct {
	mu      sync.Mutex
	path    string
	entries []types.CompressionHistoryEntry
}

// New creates a History backed by the file at path. It does not read the
// file; call Load to populate from disk.
func New(path string) *History {
	return &History{path: path}
}

// Load reads existing entries from disk. A missing file is not an error:
// it means this is the first run.
func (h *History) Load() error {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("history: read file: %w", err)
	}

	var file types.HistoryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("history: unmarshal: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = file.Entries
	return nil
}

// Record appends entry to the in-memory log. Trimming to the newest
// maxEntries happens on Flush, not here, so a caller can Record many
// entries between flushes without losing any before they're written.
func (h *History) Record(entry types.CompressionHistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
}

// Snapshot returns a cheap clone of the current entries, safe to read
// without holding History's lock — what estimator.FromHistory reads
// from.
func (h *History) Snapshot() []types.CompressionHistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.CompressionHistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len reports the number of entries currently held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Flush trims to the 1000 newest entries by timestamp and atomically
// replaces the on-disk file: serialize to a sibling temp path, then rename
// over the target.
func (h *History) Flush() error {
	h.mu.Lock()
	entries := make([]types.CompressionHistoryEntry, len(h.entries))
	copy(entries, h.entries)
	h.mu.Unlock()

	sort.Slice(entries, func(i, k int) bool {
		return entries[i].TimestampMs < entries[k].TimestampMs
	})
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}

	h.mu.Lock()
	h.entries = entries
	h.mu.Unlock()

	file := types.HistoryFile{Version: fileVersion, Entries: entries}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal entries: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("history: ensure dir: %w", err)
	}

	tmpPath := h.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("history: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("history: rename temp file: %w", err)
	}
	return nil
}
