package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrNotFound reports a run reference that resolves to nothing.
var ErrNotFound = errors.New("run state not found")

// PersistError wraps a checkpoint failure. Fatal: the kernel must not
// continue past a state it could not make durable.
type PersistError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Store lays runs out under a root directory:
// <root>/<run-id>/state.json and <root>/<run-id>/artifacts/.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore builds a store rooted at dir.
func NewStore(root string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, logger: logger}
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// RunDir returns the directory of a run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// StatePath returns the state.json path of a run.
func (s *Store) StatePath(runID string) string {
	return filepath.Join(s.RunDir(runID), "state.json")
}

// ArtifactsDir returns (and creates) the artifacts directory of a run.
func (s *Store) ArtifactsDir(runID string) (string, error) {
	dir := filepath.Join(s.RunDir(runID), "artifacts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &PersistError{Op: "mkdir", Path: dir, Err: err}
	}
	return dir, nil
}

// Save checkpoints the state atomically: marshal, write a temp file in the
// run directory, fsync, rename over state.json. Idempotent; a crash leaves
// either the old or the new checkpoint, never a torn one.
func (s *Store) Save(state *RunState) error {
	dir := s.RunDir(state.RunID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &PersistError{Op: "mkdir", Path: dir, Err: err}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return &PersistError{Op: "marshal", Path: s.StatePath(state.RunID), Err: err}
	}

	tmp, err := os.CreateTemp(dir, "state-*.json.tmp")
	if err != nil {
		return &PersistError{Op: "create", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistError{Op: "close", Path: tmpName, Err: err}
	}

	final := s.StatePath(state.RunID)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return &PersistError{Op: "rename", Path: final, Err: err}
	}
	s.logger.Debug("checkpoint saved",
		zap.String("run_id", state.RunID),
		zap.String("path", final),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Load reads a run by ID.
func (s *Store) Load(runID string) (*RunState, error) {
	return LoadPath(s.StatePath(runID))
}

// LoadPath reads a state file. Unknown fields are ignored; structurally
// invalid JSON is a hard error, there is no forward-compatible reading of
// a torn record.
func LoadPath(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("read run state %s: %w", path, err)
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse run state %s: %w", path, err)
	}
	if state.Signals == nil {
		state.Signals = map[string]int{}
	}
	return &state, nil
}

// Resolve turns a run reference into its state path and artifacts
// directory. A directory resolves to the state.json inside it; a .json
// file resolves to itself with artifacts beside it; anything else is tried
// as a run ID under the store root.
func (s *Store) Resolve(ref string) (statePath, artifactsDir string, err error) {
	if info, statErr := os.Stat(ref); statErr == nil {
		if info.IsDir() {
			return filepath.Join(ref, "state.json"), filepath.Join(ref, "artifacts"), nil
		}
		if strings.HasSuffix(ref, ".json") {
			return ref, filepath.Join(filepath.Dir(ref), "artifacts"), nil
		}
		return "", "", fmt.Errorf("run reference %s is neither a directory nor a state file", ref)
	}
	runDir := s.RunDir(ref)
	if info, statErr := os.Stat(runDir); statErr == nil && info.IsDir() {
		return filepath.Join(runDir, "state.json"), filepath.Join(runDir, "artifacts"), nil
	}
	return "", "", fmt.Errorf("run reference %s: %w", ref, ErrNotFound)
}

// List returns the run IDs under the root that carry a state.json, sorted
// ascending. Run IDs embed their start timestamp, so this is also
// chronological order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs root %s: %w", s.root, err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(s.StatePath(entry.Name())); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
