//go:build !windows

package compressapi

import (
	"errors"

	"github.com/pressplay/automation/pkg/types"
)

// ErrUnsupportedPlatform is returned by NTFS on platforms with no
// transparent-compression filesystem primitive wired up. NTFS compression
// is a Windows-only facility; pressplay's scheduler, watcher, and
// estimator are otherwise platform-neutral.
var ErrUnsupportedPlatform = errors.New("compressapi: transparent compression is not supported on this platform")

// NTFS is a stub on non-Windows platforms. Production builds targeting
// Windows use windows.go instead.
type NTFS struct{}

// NewNTFS returns a stub implementation that always reports
// ErrUnsupportedPlatform.
func NewNTFS() *NTFS {
	return &NTFS{}
}

func (NTFS) CompressFile(path string, algo types.Algorithm) (Outcome, error) {
	return "", ErrUnsupportedPlatform
}

func (NTFS) DecompressFile(path string) error {
	return ErrUnsupportedPlatform
}

func (NTFS) GetPhysicalSize(path string) (int64, error) {
	return 0, ErrUnsupportedPlatform
}
