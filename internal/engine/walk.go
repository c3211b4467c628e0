package engine

import (
	"io/fs"
	"path/filepath"
	"strings"
)

type skipReason int

const (
	skipNone skipReason = iota
	skipTooSmall
	skipAlreadyCompressed
	skipHardLinked
)

type fileCandidate struct {
	path        string
	logicalSize int64
	skipReason  skipReason
}

// canonicalize resolves symlinks in root so later parent-safety checks
// compare against the real path the walk is rooted at.
func canonicalize(root string) (string, error) {
	return filepath.EvalSymlinks(root)
}

// discover walks root (already canonicalized) without following symlinks
// and returns every regular file under it, tagged with the structural skip
// reason (if any) determined in spec.md §4.6's per-file rules. The "parent
// is safely within root" decision is cached per parent directory so a
// mid-scan symlink swap can't smuggle a file in from outside root.
func discover(root string, minCompressibleSize int64) ([]fileCandidate, error) {
	safeParents := make(map[string]bool)
	var candidates []fileCandidate

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}

		parent := filepath.Dir(path)
		safe, ok := safeParents[parent]
		if !ok {
			safe = isWithinRoot(parent, root)
			safeParents[parent] = safe
		}
		if !safe {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		// Symlinked files (and anything else that is not a plain regular
		// file) are invisible to the operation, not a skip outcome.
		if d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		c := fileCandidate{path: path, logicalSize: info.Size()}
		switch {
		case info.Size() < minCompressibleSize:
			c.skipReason = skipTooSmall
		case hardLinkCount(path, info) > 1:
			c.skipReason = skipHardLinked
		}
		// Already-compressed detection needs a compressapi.GetPhysicalSize
		// call, which this plain directory walk has no handle for; Engine
		// checks it per-file right before attempting compression instead.
		candidates = append(candidates, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// isWithinRoot reports whether path lies at or under root, resolving
// symlinks so a directory that was swapped mid-walk is caught.
func isWithinRoot(path, root string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	resolved = filepath.Clean(resolved)
	root = filepath.Clean(root)
	if resolved == root {
		return true
	}
	return strings.HasPrefix(resolved, root+string(filepath.Separator))
}
