// Package filelock provides flock-based file locking and atomic write
// operations so state documents survive crashes and concurrent starts.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock wraps a flock advisory lock on a path.
type FileLock struct {
	flock *flock.Flock
	path  string
}

// New creates a lock handle for the given path. The lock file is created
// on first acquisition.
func New(path string) *FileLock {
	return &FileLock{
		flock: flock.New(path),
		path:  path,
	}
}

// TryLock attempts to acquire the lock without blocking. Returns true if
// acquired, false if another process holds it.
func (fl *FileLock) TryLock() (bool, error) {
	acquired, err := fl.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to try lock on %s: %w", fl.path, err)
	}
	return acquired, nil
}

// Unlock releases the lock.
func (fl *FileLock) Unlock() error {
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", fl.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (fl *FileLock) Path() string {
	return fl.path
}

// AtomicWrite writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial document.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0o644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	// Rename is atomic within a filesystem; the temp file lives next to
	// the target for that reason.
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	tempFile = nil
	return nil
}
