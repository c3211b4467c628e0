// Package journal implements the durable, atomically-replaced list of
// pending automation jobs described in spec.md §4.1. It is the crash-safe
// record that lets the worker loop resume work interrupted by shutdown.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pressplay/automation/pkg/types"
)

// Journal holds the in-memory set of pending job entries, keyed by
// idempotency key, and mirrors it to disk on Flush.
type Journal struct {
	mu      sync.Mutex
	path    string
	entries map[string]types.JournalEntry
}

// New creates a Journal backed by the file at path. It does not read the
// file; call Load to populate from disk.
func New(path string) *Journal {
	return &Journal{
		path:    path,
		entries: make(map[string]types.JournalEntry),
	}
}

// Insert adds entry if its IdempotencyKey is not already present. A
// duplicate insert is a no-op, matching the at-most-once invariant on
// idempotency keys.
func (j *Journal) Insert(entry types.JournalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.entries[entry.IdempotencyKey]; exists {
		return
	}
	j.entries[entry.IdempotencyKey] = entry
}

// Remove drops the entry with the given key, if present.
func (j *Journal) Remove(key string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, key)
}

// RemoveByPrefix drops every entry whose key begins with prefix. Used when
// a GameUninstalled event must revoke every still-queued job for a path
// regardless of its epoch suffix.
func (j *Journal) RemoveByPrefix(prefix string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	removed := 0
	for key := range j.entries {
		if strings.HasPrefix(key, prefix) {
			delete(j.entries, key)
			removed++
		}
	}
	return removed
}

// Snapshot returns a cheap clone of the current entries, safe to read
// without holding the Journal's lock.
func (j *Journal) Snapshot() []types.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]types.JournalEntry, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e)
	}
	// Stable ordering makes snapshots reproducible for callers/tests even
	// though the backing map has none.
	sort.Slice(out, func(i, k int) bool {
		return out[i].QueuedAt.Before(out[k].QueuedAt)
	})
	return out
}

// Len reports the number of entries currently held.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Flush atomically replaces the on-disk file with the current entries:
// serialize to a sibling temp path, then rename over the target. A crash
// mid-flush either leaves the previous committed file intact or a stray
// .tmp file that Load ignores.
func (j *Journal) Flush() error {
	j.mu.Lock()
	entries := make([]types.JournalEntry, 0, len(j.entries))
	for _, e := range j.entries {
		entries = append(entries, e)
	}
	j.mu.Unlock()

	sort.Slice(entries, func(i, k int) bool {
		return entries[i].QueuedAt.Before(entries[k].QueuedAt)
	})

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("journal: marshal entries: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("journal: ensure dir: %w", err)
	}

	tmpPath := j.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("journal: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("journal: rename temp file: %w", err)
	}
	return nil
}

// Load reads existing entries from disk and merges them into memory,
// deduplicating by key. A missing file is not an error: it means this is
// the first run.
func (j *Journal) Load() error {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal: read file: %w", err)
	}

	var entries []types.JournalEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("journal: unmarshal: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range entries {
		if _, exists := j.entries[e.IdempotencyKey]; !exists {
			j.entries[e.IdempotencyKey] = e
		}
	}
	return nil
}
