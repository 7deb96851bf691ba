// Package store is the durable run state store: atomic, revision-counted
// persistence of the manifest and gate-set documents plus the append-only
// audit log. Everything else in the engine reads and writes run state
// through this package.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	manifestFile = "manifest.json"
	gatesFile    = "gates.json"
	auditFile    = "audit.log"
	artifactsDir = "artifacts"
)

// Store persists run state under <root>/runs/<id>/. Documents are written
// via temp-write-then-rename so no reader ever observes a partial document.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("store: resolve root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, "runs"), 0o750); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	return &Store{root: abs, logger: logger, now: func() time.Time { return time.Now().UTC() }}, nil
}

// WithClock overrides the store's time source. Used by tests and the
// fixture driver for reproducible timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.root }

// RunDir returns the absolute directory for a run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, "runs", runID)
}

// ArtifactPath resolves a run-relative artifact pointer to an absolute path.
func (s *Store) ArtifactPath(runID string, rel string) string {
	return filepath.Join(s.RunDir(runID), rel)
}

func (s *Store) manifestPath(runID string) string {
	return filepath.Join(s.RunDir(runID), manifestFile)
}

func (s *Store) gatesPath(runID string) string {
	return filepath.Join(s.RunDir(runID), gatesFile)
}

func (s *Store) auditPath(runID string) string {
	return filepath.Join(s.RunDir(runID), auditFile)
}

// writeDocAtomic marshals v and replaces path atomically: write to a temp
// file in the same directory, fsync, then rename over the target.
func (s *Store) writeDocAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("store: create temp for %s: %w", filepath.Base(path), err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return fmt.Errorf("store: chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readDoc unmarshals path into v, mapping a missing file to ErrRunNotFound.
func (s *Store) readDoc(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrRunNotFound
		}
		return fmt.Errorf("store: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: corrupt document %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteArtifact writes an artifact file atomically under the run directory.
// The rel path must stay inside the run directory.
func (s *Store) WriteArtifact(runID, rel string, data []byte) error {
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("store: artifact path escapes run directory: %q", rel)
	}
	path := s.ArtifactPath(runID, cleaned)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("store: create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-artifact-*")
	if err != nil {
		return fmt.Errorf("store: create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write artifact %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close artifact %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename artifact %s: %w", rel, err)
	}
	return nil
}

// ReadArtifact reads an artifact file relative to the run directory.
func (s *Store) ReadArtifact(runID, rel string) ([]byte, error) {
	data, err := os.ReadFile(s.ArtifactPath(runID, rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("store: artifact %s: %w", rel, ErrRunNotFound)
		}
		return nil, fmt.Errorf("store: read artifact %s: %w", rel, err)
	}
	return data, nil
}

// ArtifactExists reports whether an artifact file exists and is non-empty.
func (s *Store) ArtifactExists(runID, rel string) bool {
	info, err := os.Stat(s.ArtifactPath(runID, rel))
	return err == nil && info.Size() > 0
}

// ListRunIDs returns the ids of all runs present on disk, sorted by name.
// Discovery only; each run's manifest remains the authority for its state.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
