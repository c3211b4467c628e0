//go:build windows

package engine

import (
	"os"

	"golang.org/x/sys/windows"
)

// hardLinkCount reports the number of hard links to the file at path, via
// GetFileInformationByHandle since Go's os.FileInfo does not expose
// nNumberOfLinks on Windows.
func hardLinkCount(path string, info os.FileInfo) uint64 {
	ptr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 1
	}
	h, err := windows.CreateFile(ptr, windows.GENERIC_READ, windows.FILE_SHARE_READ, nil,
		windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return 1
	}
	defer windows.CloseHandle(h)

	var fileInfo windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &fileInfo); err != nil {
		return 1
	}
	return uint64(fileInfo.NumberOfLinks)
}
