// Package engine implements the parallel compression engine described in
// spec.md §4.6: a single public operation (compress one game folder) gated
// so only one operation runs at a time, fanning out per-file work across a
// bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/pressplay/automation/internal/compressapi"
	"github.com/pressplay/automation/internal/directstorage"
	"github.com/pressplay/automation/internal/processprobe"
	"github.com/pressplay/automation/pkg/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Preconditions errors (spec.md §4.6, checked fail-fast and in order).
var (
	ErrNotADirectory         = errors.New("engine: path does not exist or is not a directory")
	ErrDirectStorageDetected = errors.New("engine: folder is a DirectStorage game")
	ErrGameRunning           = errors.New("engine: game process is currently running")
	ErrCancelled             = errors.New("engine: operation was cancelled")
)

const maxCPUWorkers = 8

// Request configures one compress_folder operation. MaxWorkers and
// MinCompressibleSize are optional config overrides; zero means "use the
// spec default" (min(cpu_count, 8) and types.MinCompressibleSize,
// respectively).
type Request struct {
	Path                       string
	Algorithm                  types.Algorithm
	AllowDirectStorageOverride bool
	CheckProcessRunning        bool
	MaxWorkers                 int
	MinCompressibleSize        int64
}

// Counters are the atomic, lock-free totals progress consumers poll while
// an operation is in flight (spec.md §4.6: "readers never block writers").
type Counters struct {
	FilesTotal      atomic.Int64
	FilesProcessed  atomic.Int64
	FilesSkipped    atomic.Int64
	BytesOriginal   atomic.Int64
	BytesCompressed atomic.Int64
}

// Handle is returned as soon as an operation's preconditions pass and its
// gate is acquired, letting callers observe Counters and the Done signal
// before the operation itself finishes.
type Handle struct {
	Counters *Counters
	done     chan struct{}
}

// Done is closed exactly once, after counters are finalized and before the
// result is delivered — the progress reporter's explicit completion
// trigger (spec.md §4.7), never inferred from counter equality.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ResultKind distinguishes how an operation ended.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultCancelled
	ResultErr
)

// Result is the exactly-one outcome delivered on an operation's result
// channel (spec.md §5: "the engine guarantees the result channel delivers
// exactly one outcome").
type Result struct {
	Kind  ResultKind
	Stats types.CompressionStats
	Err   error
}

// Engine runs at most one compression operation at a time.
type Engine struct {
	api   compressapi.API
	ds    *directstorage.Detector
	probe *processprobe.Probe
	gate  chan struct{}
	log   *slog.Logger
}

// New constructs an Engine. ds and probe may be nil to disable their
// respective safety checks (used by tests exercising only the core walk).
func New(api compressapi.API, ds *directstorage.Detector, probe *processprobe.Probe) *Engine {
	return &Engine{
		api:   api,
		ds:    ds,
		probe: probe,
		gate:  make(chan struct{}, 1),
		log:   slog.Default(),
	}
}

// Start checks preconditions in order, acquires the single-operation gate,
// and runs the operation on a background goroutine. It returns a Handle for
// observing progress and a result channel that receives exactly one Result.
func (e *Engine) Start(ctx context.Context, req Request) (*Handle, <-chan Result, error) {
	info, err := os.Stat(req.Path)
	if err != nil || !info.IsDir() {
		return nil, nil, ErrNotADirectory
	}

	if e.ds != nil {
		isDS, err := e.ds.IsDirectStorageGame(req.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: direct storage check: %w", err)
		}
		if isDS && !req.AllowDirectStorageOverride {
			return nil, nil, ErrDirectStorageDetected
		}
		if isDS {
			e.log.Warn("engine: compressing a DirectStorage game due to explicit override", "path", req.Path)
		}
	}

	if req.CheckProcessRunning && e.probe != nil {
		running, err := e.probe.IsGameRunning(req.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: process check: %w", err)
		}
		if running {
			return nil, nil, ErrGameRunning
		}
	}

	// A free gate is taken even when ctx is already done, so the operation
	// itself reports the cancellation; ctx only ends a wait on a busy gate.
	select {
	case e.gate <- struct{}{}:
	default:
		select {
		case e.gate <- struct{}{}:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	handle := &Handle{Counters: &Counters{}, done: make(chan struct{})}
	resultCh := make(chan Result, 1)

	go func() {
		defer func() { <-e.gate }()
		stats, kind, err := e.run(ctx, req, handle.Counters)
		close(handle.done)
		resultCh <- Result{Kind: kind, Stats: stats, Err: err}
	}()

	return handle, resultCh, nil
}

// StartDecompress runs decompress_game (spec.md §6) over every file under
// path, reversing whatever compress_folder applied. It shares compress's
// single-operation gate and Handle/Result shape so callers (the worker loop,
// the CLI) can observe and report it the same way.
func (e *Engine) StartDecompress(ctx context.Context, path string) (*Handle, <-chan Result, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, nil, ErrNotADirectory
	}

	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	handle := &Handle{Counters: &Counters{}, done: make(chan struct{})}
	resultCh := make(chan Result, 1)

	go func() {
		defer func() { <-e.gate }()
		stats, kind, err := e.runDecompress(ctx, path, handle.Counters)
		close(handle.done)
		resultCh <- Result{Kind: kind, Stats: stats, Err: err}
	}()

	return handle, resultCh, nil
}

func (e *Engine) runDecompress(ctx context.Context, path string, counters *Counters) (types.CompressionStats, ResultKind, error) {
	root, err := canonicalize(path)
	if err != nil {
		return types.CompressionStats{}, ResultErr, fmt.Errorf("engine: canonicalize root: %w", err)
	}

	candidates, err := discover(root, 0)
	if err != nil {
		return types.CompressionStats{}, ResultErr, fmt.Errorf("engine: discover files: %w", err)
	}
	counters.FilesTotal.Store(int64(len(candidates)))

	for _, c := range candidates {
		select {
		case <-ctx.Done():
			stats := types.CompressionStats{FilesProcessed: counters.FilesProcessed.Load(), FilesSkipped: counters.FilesSkipped.Load()}
			return stats, ResultCancelled, ErrCancelled
		default:
		}

		if structurallySkipped(c) {
			counters.FilesSkipped.Add(1)
			counters.FilesProcessed.Add(1)
			continue
		}

		if err := e.api.DecompressFile(c.path); err != nil {
			e.log.Warn("engine: skipping file during decompress", "path", c.path, "error", err)
			counters.FilesSkipped.Add(1)
		}
		counters.FilesProcessed.Add(1)
	}

	stats := types.CompressionStats{
		FilesProcessed: counters.FilesProcessed.Load(),
		FilesSkipped:   counters.FilesSkipped.Load(),
	}
	return stats, ResultOK, nil
}

func (e *Engine) run(ctx context.Context, req Request, counters *Counters) (types.CompressionStats, ResultKind, error) {
	root, err := canonicalize(req.Path)
	if err != nil {
		return types.CompressionStats{}, ResultErr, fmt.Errorf("engine: canonicalize root: %w", err)
	}

	minSize := req.MinCompressibleSize
	if minSize <= 0 {
		minSize = types.MinCompressibleSize
	}

	candidates, err := discover(root, minSize)
	if err != nil {
		return types.CompressionStats{}, ResultErr, fmt.Errorf("engine: discover files: %w", err)
	}
	counters.FilesTotal.Store(int64(len(candidates)))

	workers := req.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > maxCPUWorkers {
			workers = maxCPUWorkers
		}
	}
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))

	g, gctx := errgroup.WithContext(ctx)
	var acquireErr error

	for _, c := range candidates {
		c := c
		if structurallySkipped(c) {
			counters.FilesSkipped.Add(1)
			counters.FilesProcessed.Add(1)
			counters.BytesOriginal.Add(c.logicalSize)
			counters.BytesCompressed.Add(c.logicalSize)
			continue
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			acquireErr = err
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			return e.compressOne(c, req.Algorithm, counters)
		})
	}

	err = g.Wait()
	if err == nil {
		// Files left unstarted because the context ended mid-walk.
		err = acquireErr
	}

	stats := types.CompressionStats{
		OriginalBytes:   counters.BytesOriginal.Load(),
		CompressedBytes: counters.BytesCompressed.Load(),
		FilesProcessed:  counters.FilesProcessed.Load(),
		FilesSkipped:    counters.FilesSkipped.Load(),
	}

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return stats, ResultCancelled, ErrCancelled
		}
		return stats, ResultErr, err
	}
	return stats, ResultOK, nil
}

// abortOperation is returned by compressOne for errors that must stop the
// whole operation (DiskFull, or anything compressapi doesn't classify as a
// per-file skip condition).
type abortOperation struct{ err error }

func (a *abortOperation) Error() string { return a.err.Error() }
func (a *abortOperation) Unwrap() error { return a.err }

func (e *Engine) compressOne(c fileCandidate, algo types.Algorithm, counters *Counters) error {
	if physical, err := e.api.GetPhysicalSize(c.path); err == nil && physical < c.logicalSize {
		counters.FilesProcessed.Add(1)
		counters.FilesSkipped.Add(1)
		counters.BytesOriginal.Add(c.logicalSize)
		counters.BytesCompressed.Add(c.logicalSize)
		return nil
	}

	outcome, err := e.api.CompressFile(c.path, algo)
	switch {
	case err == nil:
		switch outcome {
		case compressapi.OutcomeCompressed:
			physical, sizeErr := e.api.GetPhysicalSize(c.path)
			if sizeErr != nil {
				physical = c.logicalSize
			}
			counters.FilesProcessed.Add(1)
			counters.BytesOriginal.Add(c.logicalSize)
			counters.BytesCompressed.Add(physical)
			return nil
		case compressapi.OutcomeNotBeneficial:
			counters.FilesProcessed.Add(1)
			counters.FilesSkipped.Add(1)
			counters.BytesOriginal.Add(c.logicalSize)
			counters.BytesCompressed.Add(c.logicalSize)
			return nil
		}
		return nil

	case errors.Is(err, compressapi.ErrDiskFull):
		return &abortOperation{err: fmt.Errorf("engine: %w", err)}

	case errors.Is(err, compressapi.ErrLockedFile), errors.Is(err, compressapi.ErrPermissionDenied):
		e.log.Warn("engine: skipping file", "path", c.path, "error", err)
		counters.FilesProcessed.Add(1)
		counters.FilesSkipped.Add(1)
		counters.BytesOriginal.Add(c.logicalSize)
		counters.BytesCompressed.Add(c.logicalSize)
		return nil

	default:
		return &abortOperation{err: fmt.Errorf("engine: compress %s: %w", c.path, err)}
	}
}

func structurallySkipped(c fileCandidate) bool {
	return c.skipReason != skipNone
}
