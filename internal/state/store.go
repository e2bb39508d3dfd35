// Package state persists one orchestrator Run document per parent card,
// as a human-readable YAML file written atomically. Loading tolerates
// unknown fields and fills missing ones with their zero defaults, so
// documents written by older builds keep loading.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/maestro/internal/filelock"
	"github.com/harrison/maestro/internal/models"
)

// ErrRunLocked indicates another supervisor already operates on the run.
var ErrRunLocked = fmt.Errorf("run is locked by another supervisor")

// Store reads and writes Run documents under a single directory.
type Store struct {
	dir string
}

// NewStore creates the state directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the document path for a parent card.
func (s *Store) Path(parentCardID string) string {
	return filepath.Join(s.dir, parentCardID+".yaml")
}

// Load reads the Run for a parent card. Returns (nil, nil) when no
// document exists.
func (s *Store) Load(parentCardID string) (*models.Run, error) {
	data, err := os.ReadFile(s.Path(parentCardID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state for card %s: %w", parentCardID, err)
	}

	var run models.Run
	if err := yaml.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse state for card %s: %w", parentCardID, err)
	}
	return &run, nil
}

// Save writes the Run atomically, stamping UpdatedAt.
func (s *Store) Save(run *models.Run) error {
	run.Touch(time.Now())

	data, err := yaml.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode state for card %s: %w", run.ParentCardID, err)
	}
	if err := filelock.AtomicWrite(s.Path(run.ParentCardID), data); err != nil {
		return fmt.Errorf("failed to write state for card %s: %w", run.ParentCardID, err)
	}
	return nil
}

// KnownRuns returns the parent card ids that already have a state
// document. Watch mode uses this to skip cards orchestrated earlier.
func (s *Store) KnownRuns() (map[string]bool, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	known := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".yaml" {
			known[name[:len(name)-len(".yaml")]] = true
		}
	}
	return known, nil
}

// AcquireRunLock takes the per-run flock guaranteeing at most one
// supervisor per run. The caller must Unlock the returned lock; a held
// lock elsewhere yields ErrRunLocked.
func (s *Store) AcquireRunLock(parentCardID string) (*filelock.FileLock, error) {
	lock := filelock.New(filepath.Join(s.dir, parentCardID+".lock"))
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("%w: card %s", ErrRunLocked, parentCardID)
	}
	return lock, nil
}
