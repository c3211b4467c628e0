//go:build windows

package compressapi

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/pressplay/automation/pkg/types"
	"golang.org/x/sys/windows"
)

// compactAlgorithmFlag maps an Algorithm to the compact.exe /EXE: flag used
// to select an NTFS transparent-compression format.
var compactAlgorithmFlag = map[types.Algorithm]string{
	types.AlgorithmXpress4K:  "XPRESS4K",
	types.AlgorithmXpress8K:  "XPRESS8K",
	types.AlgorithmXpress16K: "XPRESS16K",
	types.AlgorithmLZX:       "LZX",
}

// NTFS is the real Windows implementation of API, shelling out to
// compact.exe (the documented command-line front end for the Windows
// Overlay Filter compression formats) rather than driving WOF's ioctls
// directly.
type NTFS struct{}

// NewNTFS returns the production compression primitive for Windows.
func NewNTFS() *NTFS {
	return &NTFS{}
}

func (NTFS) CompressFile(path string, algo types.Algorithm) (Outcome, error) {
	flag, ok := compactAlgorithmFlag[algo]
	if !ok {
		flag = compactAlgorithmFlag[types.AlgorithmXpress8K]
	}

	before, err := getPhysicalSize(path)
	if err != nil {
		return "", classifyOSError(err)
	}

	cmd := exec.Command("compact.exe", "/C", "/EXE:"+flag, path)
	if err := cmd.Run(); err != nil {
		return "", classifyOSError(err)
	}

	after, err := getPhysicalSize(path)
	if err != nil {
		return "", classifyOSError(err)
	}
	if after >= before {
		return OutcomeNotBeneficial, nil
	}
	return OutcomeCompressed, nil
}

func (NTFS) DecompressFile(path string) error {
	cmd := exec.Command("compact.exe", "/U", path)
	if err := cmd.Run(); err != nil {
		return classifyOSError(err)
	}
	return nil
}

func (NTFS) GetPhysicalSize(path string) (int64, error) {
	size, err := getPhysicalSize(path)
	if err != nil {
		return 0, classifyOSError(err)
	}
	return size, nil
}

// getPhysicalSize reads the on-disk allocation via GetCompressedFileSizeW,
// which differs from logical length for both NTFS- and WOF-compressed
// files and for sparse files.
func getPhysicalSize(path string) (int64, error) {
	ptr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}

	var highOrder uint32
	low, err := windows.GetCompressedFileSize(ptr, &highOrder)
	if err != nil {
		return 0, err
	}
	return int64(highOrder)<<32 | int64(low), nil
}

func classifyOSError(err error) error {
	if os.IsPermission(err) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if errno, ok := err.(*exec.ExitError); ok {
		switch errno.ExitCode() {
		case int(windows.ERROR_SHARING_VIOLATION):
			return fmt.Errorf("%w: %v", ErrLockedFile, err)
		case int(windows.ERROR_DISK_FULL):
			return fmt.Errorf("%w: %v", ErrDiskFull, err)
		}
	}
	return err
}
