// Package reporter implements the progress-streaming thread described in
// spec.md §4.7: a 100ms-cadence sampler over the compression engine's
// atomic counters, delivered on a drop-oldest capacity-1 channel.
package reporter

import (
	"time"

	"github.com/pressplay/automation/internal/engine"
	"github.com/pressplay/automation/pkg/types"
)

// DefaultInterval is the spec's sampling cadence.
const DefaultInterval = 100 * time.Millisecond

const rateWindowSize = 10
const minRateForETA = 0.1 // files/sec

type sample struct {
	at        time.Time
	processed int64
}

// Reporter samples an engine.Handle's counters on a fixed cadence and
// streams normalized snapshots.
type Reporter struct {
	handle       *engine.Handle
	gameName     string
	interval     time.Duration
	emitBaseline bool
	out          chan types.CompressionProgress
	now          func() time.Time
}

// New creates a Reporter for one in-flight compression operation.
// emitBaseline, if true, sends a processed=0 snapshot immediately so
// consumers have an initial consistent state before any real progress.
func New(handle *engine.Handle, gameName string, emitBaseline bool) *Reporter {
	return &Reporter{
		handle:       handle,
		gameName:     gameName,
		interval:     DefaultInterval,
		emitBaseline: emitBaseline,
		out:          make(chan types.CompressionProgress, types.ProgressChannelCap),
		now:          time.Now,
	}
}

// Progress returns the capacity-1, drop-oldest progress channel.
func (r *Reporter) Progress() <-chan types.CompressionProgress {
	return r.out
}

// Run samples until the engine's Done signal fires, then emits exactly one
// is_complete=true snapshot and returns. It is meant to be run on its own
// goroutine, one per active compression (spec.md §5).
func (r *Reporter) Run() {
	if r.emitBaseline {
		r.send(types.CompressionProgress{
			GameName:  r.gameName,
			FilesTotal: r.handle.Counters.FilesTotal.Load(),
		})
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var window []sample

	for {
		select {
		case <-r.handle.Done():
			r.send(r.finalSnapshot())
			return
		case <-ticker.C:
			window = r.sampleAndEmit(window)
		}
	}
}

func (r *Reporter) sampleAndEmit(window []sample) []sample {
	c := r.handle.Counters
	processed := c.FilesProcessed.Load()
	total := c.FilesTotal.Load()

	now := r.now()
	window = append(window, sample{at: now, processed: processed})
	if len(window) > rateWindowSize {
		window = window[len(window)-rateWindowSize:]
	}

	displayTotal := total
	if processed > displayTotal {
		displayTotal = processed + 1
	}

	progress := types.CompressionProgress{
		GameName:        r.gameName,
		FilesTotal:      displayTotal,
		FilesProcessed:  processed,
		BytesOriginal:   c.BytesOriginal.Load(),
		BytesCompressed: c.BytesCompressed.Load(),
		BytesSaved:      c.BytesOriginal.Load() - c.BytesCompressed.Load(),
	}

	if eta, ok := estimateRemaining(window, processed, displayTotal); ok {
		progress.EstimatedTimeRemaining = &eta
	}

	r.send(progress)
	return window
}

func (r *Reporter) finalSnapshot() types.CompressionProgress {
	c := r.handle.Counters
	processed := c.FilesProcessed.Load()
	total := c.FilesTotal.Load()
	if processed > total {
		total = processed
	}

	return types.CompressionProgress{
		GameName:        r.gameName,
		FilesTotal:      total,
		FilesProcessed:  processed,
		BytesOriginal:   c.BytesOriginal.Load(),
		BytesCompressed: c.BytesCompressed.Load(),
		BytesSaved:      c.BytesOriginal.Load() - c.BytesCompressed.Load(),
		IsComplete:      true,
	}
}

func estimateRemaining(window []sample, processed, total int64) (time.Duration, bool) {
	if len(window) < 2 {
		return 0, false
	}
	first, last := window[0], window[len(window)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	rate := float64(last.processed-first.processed) / elapsed
	if rate <= minRateForETA {
		return 0, false
	}
	remaining := float64(total - processed)
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining/rate*float64(time.Second)), true
}

// send delivers v on the drop-oldest capacity-1 channel: a slow consumer
// never blocks the sampler, but always sees the freshest available state.
func (r *Reporter) send(v types.CompressionProgress) {
	select {
	case r.out <- v:
		return
	default:
	}
	select {
	case <-r.out:
	default:
	}
	select {
	case r.out <- v:
	default:
	}
}
