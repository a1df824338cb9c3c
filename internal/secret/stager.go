// Package secret stages the service account credential inside the image build context for
// exactly the duration of the build.
package secret

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/savaki/run-deployer/internal/errors"
)

// Staged is a credential file present in the build context. Remove must be called on every
// path out of the build step.
type Staged struct {
	path    string
	mu      sync.Mutex
	removed bool
}

// Path returns the staged file location.
func (s *Staged) Path() string {
	return s.path
}

// Remove deletes the staged file. Once it succeeds further calls are no-ops; after a failure
// the next call tries again. A file that is already gone is not an error.
func (s *Staged) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staged secret %s: %w", s.path, err)
	}
	s.removed = true
	return nil
}

// Stage writes data to dst with owner-only permissions. The parent directory must exist
// because it is the build context. An existing file at dst is never overwritten, since
// Remove would delete it afterwards.
func Stage(data []byte, dst string) (*Staged, error) {
	dir := filepath.Dir(dst)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("build context %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build context %s is not a directory", dir)
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s; move it out of the build context and point credentials_source at it", errors.ErrStagedSecretExists, dst)
		}
		return nil, fmt.Errorf("failed to stage secret at %s: %w", dst, err)
	}
	staged := &Staged{path: dst}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = staged.Remove()
		return nil, fmt.Errorf("failed to write staged secret %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		_ = staged.Remove()
		return nil, fmt.Errorf("failed to close staged secret %s: %w", dst, err)
	}
	return staged, nil
}
