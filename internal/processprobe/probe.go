// Package processprobe answers spec.md §4's "is any executable under this
// folder currently running?" safety question, consumed by the compression
// engine's precondition check.
package processprobe

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// DefaultRefreshInterval is the spec's default process-table refresh
// cadence (spec.md §6).
const DefaultRefreshInterval = 5 * time.Second

// listFunc enumerates running (pid, executable path) pairs. Production
// code uses gopsutil; tests inject a fake.
type listFunc func() (map[int32]string, error)

func gopsutilList() (map[int32]string, error) {
	procs, err := gopsprocess.Processes()
	if err != nil {
		return nil, err
	}
	out := make(map[int32]string, len(procs))
	for _, p := range procs {
		exe, err := p.Exe()
		if err != nil || exe == "" {
			continue
		}
		out[p.Pid] = exe
	}
	return out, nil
}

// Probe caches the process table and refreshes it at most once per
// RefreshInterval, since enumerating every process on each safety check
// would be wasteful for a check invoked per compression attempt.
type Probe struct {
	mu              sync.Mutex
	list            listFunc
	refreshInterval time.Duration
	lastRefresh     time.Time
	cached          map[int32]string
	now             func() time.Time
}

// New creates a Probe backed by real gopsutil process enumeration.
func New(refreshInterval time.Duration) *Probe {
	return newWithLister(refreshInterval, gopsutilList)
}

func newWithLister(refreshInterval time.Duration, list listFunc) *Probe {
	return &Probe{
		list:            list,
		refreshInterval: refreshInterval,
		now:             time.Now,
	}
}

// IsGameRunning reports whether any currently-running process's executable
// path starts with folderPath.
func (p *Probe) IsGameRunning(folderPath string) (bool, error) {
	p.mu.Lock()
	now := p.now()
	if p.cached == nil || now.Sub(p.lastRefresh) >= p.refreshInterval {
		procs, err := p.list()
		if err != nil {
			p.mu.Unlock()
			return false, err
		}
		p.cached = procs
		p.lastRefresh = now
	}
	cached := p.cached
	p.mu.Unlock()

	folder := normalize(folderPath)
	for _, exe := range cached {
		if isUnderFolder(normalize(exe), folder) {
			return true, nil
		}
	}
	return false, nil
}

// isUnderFolder reports whether exe lies at or under folder, treating
// folder as a directory boundary rather than a bare string prefix (so
// "/games/g1" does not match "/games/g10/run.exe").
func isUnderFolder(exe, folder string) bool {
	if exe == folder {
		return true
	}
	return strings.HasPrefix(exe, folder+"/")
}

func normalize(path string) string {
	cleaned := filepath.Clean(path)
	cleaned = strings.ReplaceAll(cleaned, `\`, "/")
	return strings.ToLower(strings.TrimRight(cleaned, "/"))
}
