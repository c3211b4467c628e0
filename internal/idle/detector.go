// Package idle implements the debounced "machine has been quiet long
// enough" signal described in spec.md §4.2.
package idle

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// DefaultCPUThresholdPercent and DefaultIdleDuration are the spec's default
// tuning values.
const (
	DefaultCPUThresholdPercent = 10.0
	DefaultIdleDuration        = 120 * time.Second
)

// Sampler returns the current global CPU usage as a percentage in [0, 100].
// Production code uses gopsutilSampler; tests inject a fake.
type Sampler func() (float64, error)

func gopsutilSampler() (float64, error) {
	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, nil
	}
	return percentages[0], nil
}

// Detector is the idle signal. The machine is idle when the sampled CPU
// metric has stayed below the threshold continuously for at least the
// configured duration.
type Detector struct {
	mu                  sync.Mutex
	sample              Sampler
	cpuThresholdPercent float64
	idleDuration        time.Duration
	idleSince           time.Time // zero means "not currently idle-tracking"
	now                 func() time.Time
}

// New creates a Detector sampling real CPU usage via gopsutil.
func New(cpuThresholdPercent float64, idleDuration time.Duration) *Detector {
	return newWithSampler(cpuThresholdPercent, idleDuration, gopsutilSampler)
}

func newWithSampler(cpuThresholdPercent float64, idleDuration time.Duration, sample Sampler) *Detector {
	return &Detector{
		sample:              sample,
		cpuThresholdPercent: cpuThresholdPercent,
		idleDuration:        idleDuration,
		now:                 time.Now,
	}
}

// IsIdle performs one sample per call. The worker loop calls this exactly
// once per scheduler tick (spec §4.2).
func (d *Detector) IsIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	pct, err := d.sample()
	now := d.now()
	if err != nil || pct >= d.cpuThresholdPercent {
		// A sample above threshold (or a failed sample, treated
		// conservatively) resets the start-of-idle timestamp to this
		// sample's instant.
		d.idleSince = now
		return false
	}

	if d.idleSince.IsZero() {
		d.idleSince = now
		return false
	}

	return now.Sub(d.idleSince) >= d.idleDuration
}

// UpdateConfig hot-applies new thresholds. Per spec, a configuration update
// also resets the idle-tracking start instant.
func (d *Detector) UpdateConfig(cpuThresholdPercent float64, idleDuration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cpuThresholdPercent = cpuThresholdPercent
	d.idleDuration = idleDuration
	d.idleSince = time.Time{}
}
