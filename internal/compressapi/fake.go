package compressapi

import (
	"os"
	"sync"

	"github.com/pressplay/automation/pkg/types"
)

// Fake is an in-memory API used by engine tests so they never depend on a
// real transparent-compression filesystem.
type Fake struct {
	mu sync.Mutex

	// Ratio is the physical/logical size fraction CompressFile reports for
	// a successful compression. Defaults to 0.5 when zero.
	Ratio float64
	// Incompressible paths report NotBeneficial instead of a size change.
	Incompressible map[string]bool
	// ErrFor forces CompressFile to return this error for the given path.
	ErrFor map[string]error

	physicalSize map[string]int64
}

// NewFake creates an empty Fake ready for use.
func NewFake() *Fake {
	return &Fake{
		Ratio:          0.5,
		Incompressible: make(map[string]bool),
		ErrFor:         make(map[string]error),
		physicalSize:   make(map[string]int64),
	}
}

func (f *Fake) CompressFile(path string, algo types.Algorithm) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.ErrFor[path]; ok {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	logical := info.Size()

	if f.Incompressible[path] {
		f.physicalSize[path] = logical
		return OutcomeNotBeneficial, nil
	}

	ratio := f.Ratio
	if ratio == 0 {
		ratio = 0.5
	}
	f.physicalSize[path] = int64(float64(logical) * ratio)
	return OutcomeCompressed, nil
}

func (f *Fake) DecompressFile(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.physicalSize, path)
	return nil
}

func (f *Fake) GetPhysicalSize(path string) (int64, error) {
	f.mu.Lock()
	if size, ok := f.physicalSize[path]; ok {
		f.mu.Unlock()
		return size, nil
	}
	f.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
