// Package filestore persists experiments, conversation snapshots and pull
// tasks as plain JSON files under a data root. All writes are atomic
// (temp file + fsync + rename) and all mutating operations on one
// experiment's files are serialized by a per-experiment lock file.
//
// Layout:
//
//	<dataDir>/experiments/<id>/experiment.json
//	<dataDir>/experiments/<id>/conversations/<iteration>.json
//	<dataDir>/experiments_index.json (+ .lock)
//	<dataDir>/imported_conversations/<id>.json
//	<dataDir>/pull_tasks.json (+ .lock)
//	<dataDir>/locks/<experiment_id>.lock
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store is the durable source of truth for all on-disk state.
type Store struct {
	dataDir string
}

// New creates a Store rooted at dataDir, creating the directory tree.
func New(dataDir string) (*Store, error) {
	for _, dir := range []string{
		dataDir,
		filepath.Join(dataDir, "experiments"),
		filepath.Join(dataDir, "imported_conversations"),
		filepath.Join(dataDir, "locks"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}
	return &Store{dataDir: dataDir}, nil
}

// DataDir returns the store's root directory.
func (s *Store) DataDir() string { return s.dataDir }

func (s *Store) experimentDir(id string) string {
	return filepath.Join(s.dataDir, "experiments", id)
}

func (s *Store) experimentPath(id string) string {
	return filepath.Join(s.experimentDir(id), "experiment.json")
}

func (s *Store) snapshotPath(experimentID string, iteration int) string {
	return filepath.Join(s.experimentDir(experimentID), "conversations", fmt.Sprintf("%d.json", iteration))
}

func (s *Store) importedPath(id string) string {
	return filepath.Join(s.dataDir, "imported_conversations", id+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dataDir, "experiments_index.json")
}

func (s *Store) tasksPath() string {
	return filepath.Join(s.dataDir, "pull_tasks.json")
}

func (s *Store) experimentLockPath(id string) string {
	return filepath.Join(s.dataDir, "locks", id+".lock")
}

// lockExperiment serializes mutation of one experiment's files.
func (s *Store) lockExperiment(id string) (func(), error) {
	return acquireLock(s.experimentLockPath(id))
}

func (s *Store) lockIndex() (func(), error) {
	return acquireLock(s.indexPath() + ".lock")
}

func (s *Store) lockTasks() (func(), error) {
	return acquireLock(s.tasksPath() + ".lock")
}
