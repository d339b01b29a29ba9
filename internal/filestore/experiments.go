package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentlab/agentlab/internal/domain"
)

// SaveExperiment writes the full experiment record and refreshes its index
// entry. A missing id or created_at is assigned here.
func (s *Store) SaveExperiment(exp *domain.Experiment) error {
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC()
	}

	release, err := s.lockExperiment(exp.ID)
	if err != nil {
		return err
	}
	defer release()

	if err := writeJSONAtomic(s.experimentPath(exp.ID), exp); err != nil {
		return err
	}
	return s.upsertIndexEntry(exp.IndexEntry())
}

// GetExperiment reads one experiment straight from its file.
func (s *Store) GetExperiment(id string) (*domain.Experiment, error) {
	var exp domain.Experiment
	if err := readJSON(s.experimentPath(id), &exp, "experiment", id); err != nil {
		return nil, err
	}
	return &exp, nil
}

// UpdateExperiment applies a partial update map to the stored record under
// the experiment's lock (read-modify-write), then refreshes the index.
func (s *Store) UpdateExperiment(id string, updates map[string]any) (*domain.Experiment, error) {
	release, err := s.lockExperiment(id)
	if err != nil {
		return nil, err
	}
	defer release()

	path := s.experimentPath(id)
	var record map[string]any
	if err := readJSON(path, &record, "experiment", id); err != nil {
		return nil, err
	}
	for k, v := range updates {
		record[k] = v
	}
	if err := writeJSONAtomic(path, record); err != nil {
		return nil, err
	}

	// Round-trip through the typed struct so the index entry and the
	// returned value reflect what was actually written.
	data, err := json.Marshal(record)
	if err != nil {
		return nil, &domain.StorageError{Op: "encode", Path: path, Err: err}
	}
	var exp domain.Experiment
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, &domain.StorageError{Op: "decode", Path: path, Err: err}
	}
	if err := s.upsertIndexEntry(exp.IndexEntry()); err != nil {
		return nil, err
	}
	return &exp, nil
}

// DeleteExperiment removes the experiment directory tree (metadata and all
// snapshots) and its index entry.
func (s *Store) DeleteExperiment(id string) error {
	release, err := s.lockExperiment(id)
	if err != nil {
		return err
	}
	defer release()

	dir := s.experimentDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &domain.NotFoundError{Kind: "experiment", ID: id}
	}
	if err := os.RemoveAll(dir); err != nil {
		return &domain.StorageError{Op: "delete", Path: dir, Err: err}
	}
	return s.removeIndexEntry(id)
}

// ListExperiments returns the index entries, newest first. A missing index
// is rebuilt from a directory scan.
func (s *Store) ListExperiments() ([]domain.ExperimentIndexEntry, error) {
	entries, err := s.readIndex()
	if err == nil {
		return entries, nil
	}
	if !domain.IsNotFound(err) {
		return nil, err
	}
	return s.RebuildIndex()
}

// RebuildIndex regenerates the index file by scanning the per-experiment
// files. The result is exactly what the live index should contain.
func (s *Store) RebuildIndex() ([]domain.ExperimentIndexEntry, error) {
	release, err := s.lockIndex()
	if err != nil {
		return nil, err
	}
	defer release()

	entries, err := s.scanExperiments()
	if err != nil {
		return nil, err
	}
	if err := writeJSONAtomic(s.indexPath(), entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) scanExperiments() ([]domain.ExperimentIndexEntry, error) {
	root := filepath.Join(s.dataDir, "experiments")
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.ExperimentIndexEntry{}, nil
		}
		return nil, &domain.StorageError{Op: "scan", Path: root, Err: err}
	}

	entries := make([]domain.ExperimentIndexEntry, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		var exp domain.Experiment
		if err := readJSON(s.experimentPath(d.Name()), &exp, "experiment", d.Name()); err != nil {
			// A directory without a readable record is skipped, not fatal.
			continue
		}
		entries = append(entries, exp.IndexEntry())
	}
	sortIndex(entries)
	return entries, nil
}

func (s *Store) readIndex() ([]domain.ExperimentIndexEntry, error) {
	var entries []domain.ExperimentIndexEntry
	if err := readJSON(s.indexPath(), &entries, "index", "experiments_index"); err != nil {
		return nil, err
	}
	return entries, nil
}

// upsertIndexEntry inserts or replaces one entry under the index lock,
// keeping the index sorted by created_at descending.
func (s *Store) upsertIndexEntry(entry domain.ExperimentIndexEntry) error {
	release, err := s.lockIndex()
	if err != nil {
		return err
	}
	defer release()

	entries, err := s.readIndex()
	if err != nil {
		if !domain.IsNotFound(err) {
			return err
		}
		entries = []domain.ExperimentIndexEntry{}
	}

	replaced := false
	for i := range entries {
		if entries[i].ID == entry.ID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	sortIndex(entries)
	return writeJSONAtomic(s.indexPath(), entries)
}

func (s *Store) removeIndexEntry(id string) error {
	release, err := s.lockIndex()
	if err != nil {
		return err
	}
	defer release()

	entries, err := s.readIndex()
	if err != nil {
		if domain.IsNotFound(err) {
			return nil
		}
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	return writeJSONAtomic(s.indexPath(), kept)
}

func sortIndex(entries []domain.ExperimentIndexEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}

// SavePullTasks atomically persists the full task table under its lock.
func (s *Store) SavePullTasks(tasks map[string]*domain.PullTask) error {
	release, err := s.lockTasks()
	if err != nil {
		return err
	}
	defer release()
	return writeJSONAtomic(s.tasksPath(), tasks)
}

// LoadPullTasks reloads the persisted task table. A missing file yields an
// empty table.
func (s *Store) LoadPullTasks() (map[string]*domain.PullTask, error) {
	tasks := map[string]*domain.PullTask{}
	err := readJSON(s.tasksPath(), &tasks, "pull tasks", "pull_tasks")
	if err != nil {
		if domain.IsNotFound(err) {
			return map[string]*domain.PullTask{}, nil
		}
		return nil, fmt.Errorf("failed to load pull tasks: %w", err)
	}
	return tasks, nil
}
