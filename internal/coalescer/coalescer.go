// Package coalescer implements the per-path debounce of raw filesystem
// events into settled kinds described in spec.md §4.3. It is a pure data
// structure: no I/O, no goroutines.
package coalescer

import (
	"sync"
	"time"

	"github.com/pressplay/automation/pkg/types"
)

// DefaultCooldown is the spec's default coalescing window.
const DefaultCooldown = 300 * time.Second

type pendingEntry struct {
	kind     types.WatchEventKind
	gameName string
	lastSeen time.Time
}

// Coalescer maintains a map of canonical game folder to its latest observed
// event kind, and drains entries whose quiet period has elapsed.
type Coalescer struct {
	mu       sync.Mutex
	cooldown time.Duration
	pending  map[string]pendingEntry
	now      func() time.Time
}

// New creates a Coalescer with the given cooldown window.
func New(cooldown time.Duration) *Coalescer {
	return &Coalescer{
		cooldown: cooldown,
		pending:  make(map[string]pendingEntry),
		now:      time.Now,
	}
}

// Ingest records a raw event for a game folder. If the folder is already
// pending, its kind is overwritten with the newer one and last-seen is
// reset; otherwise a new pending entry is created.
func (c *Coalescer) Ingest(gamePath string, kind types.WatchEventKind, gameName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.pending[gamePath]
	name := gameName
	if name == "" && ok {
		name = existing.gameName
	}
	c.pending[gamePath] = pendingEntry{
		kind:     kind,
		gameName: name,
		lastSeen: c.now(),
	}
}

// DrainSettled removes and returns entries whose quiet period (now minus
// last-seen) is at least the cooldown.
func (c *Coalescer) DrainSettled() []types.WatchEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var settled []types.WatchEvent
	for path, e := range c.pending {
		if now.Sub(e.lastSeen) >= c.cooldown {
			settled = append(settled, types.WatchEvent{
				GamePath: path,
				GameName: e.gameName,
				Kind:     e.kind,
			})
			delete(c.pending, path)
		}
	}
	return settled
}

// Len reports the number of folders currently awaiting settlement.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// UpdateCooldown hot-applies a new cooldown window; in-flight pending
// entries keep their recorded last-seen time and are evaluated against the
// new window on the next DrainSettled.
func (c *Coalescer) UpdateCooldown(cooldown time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldown = cooldown
}
