// Package compressapi abstracts the OS transparent-compression primitive
// consumed by the engine (spec.md §6), so the engine can be tested against
// an in-memory fake instead of real filesystem compression.
package compressapi

import (
	"errors"

	"github.com/pressplay/automation/pkg/types"
)

// Outcome is the result of attempting to compress one file.
type Outcome string

const (
	OutcomeCompressed   Outcome = "compressed"
	OutcomeNotBeneficial Outcome = "not_beneficial"
)

// Sentinel errors a CompressFile implementation may return. Other errors
// are treated as fatal and abort the whole operation (spec.md §4.6).
var (
	ErrLockedFile       = errors.New("compressapi: file is locked")
	ErrPermissionDenied = errors.New("compressapi: permission denied")
	ErrDiskFull         = errors.New("compressapi: disk full")
)

// API is the OS compression primitive the engine depends on.
type API interface {
	// CompressFile attempts transparent compression of path using algo.
	CompressFile(path string, algo types.Algorithm) (Outcome, error)
	// DecompressFile reverses transparent compression on path.
	DecompressFile(path string) error
	// GetPhysicalSize returns the bytes path occupies on disk, which may
	// differ from its logical length when compression or sparseness is
	// in play.
	GetPhysicalSize(path string) (int64, error)
}
