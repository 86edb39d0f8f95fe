// Package pipeline persists run state as JSON under the experiment
// directory. One subdirectory per run, keyed by run ID; run.json inside
// it is the authoritative record a status command reads.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/waveforge/waveforge/internal/fsutil"
)

// Store manages run state on disk.
type Store struct {
	baseDir string // <exp-dir>/runs
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// runDir returns the directory path for a given run.
func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

// runPath returns the path to the run.json file for a run.
func (s *Store) runPath(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

// StageRunDir returns the durable per-stage directory for a run, the
// home of training checkpoints between resumes.
func (s *Store) StageRunDir(runID, stage string) string {
	return filepath.Join(s.runDir(runID), "stages", stage)
}

// Create initialises a new run on disk.
func (s *Store) Create(runID, pipelineName, expDir string, stages map[string]*StageState) (*RunState, error) {
	dir := s.runDir(runID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("run %s already exists", runID)
	}

	if err := os.MkdirAll(filepath.Join(dir, "stages"), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir stages: %w", err)
	}

	if stages == nil {
		stages = map[string]*StageState{}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rs := &RunState{
		RunID:     runID,
		Pipeline:  pipelineName,
		ExpDir:    expDir,
		Stages:    stages,
		Status:    "pending",
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := fsutil.WriteJSON(s.runPath(runID), rs); err != nil {
		return nil, fmt.Errorf("write run.json: %w", err)
	}
	return rs, nil
}

// Get reads the run state.
func (s *Store) Get(runID string) (*RunState, error) {
	var rs RunState
	if err := fsutil.ReadJSON(s.runPath(runID), &rs); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, err
	}
	return &rs, nil
}

// Update performs an atomic read-modify-write of the run state.
func (s *Store) Update(runID string, fn func(*RunState)) error {
	rs, err := s.Get(runID)
	if err != nil {
		return err
	}
	fn(rs)
	rs.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	return fsutil.WriteJSON(s.runPath(runID), rs)
}

// List returns all runs, optionally filtered by status. Pass "" for
// statusFilter to return all runs. Results are sorted newest first.
func (s *Store) List(statusFilter string) ([]RunState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []RunState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rs, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || rs.Status == statusFilter {
			runs = append(runs, *rs)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt > runs[j].CreatedAt
	})
	return runs, nil
}

// Latest returns the most recently created run, or nil if none exist.
func (s *Store) Latest() (*RunState, error) {
	runs, err := s.List("")
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Delete removes all data for a run, including its stage run dirs.
func (s *Store) Delete(runID string) error {
	dir := s.runDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s not found", runID)
	}
	return os.RemoveAll(dir)
}
