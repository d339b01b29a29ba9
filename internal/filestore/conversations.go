package filestore

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentlab/agentlab/internal/domain"
)

// SaveSnapshot persists one iteration snapshot under its experiment's lock.
// Each (experiment, iteration) pair maps to exactly one file for its whole
// lifetime; a later iteration never touches an earlier file.
func (s *Store) SaveSnapshot(snap *domain.ConversationSnapshot) error {
	if snap.ID == "" {
		snap.ID = domain.SnapshotID(snap.ExperimentID, snap.Iteration)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	release, err := s.lockExperiment(snap.ExperimentID)
	if err != nil {
		return err
	}
	defer release()

	return writeJSONAtomic(s.snapshotPath(snap.ExperimentID, snap.Iteration), snap)
}

// SaveImported persists a free-standing conversation, assigning an id and
// timestamps if absent.
func (s *Store) SaveImported(conv *domain.ImportedConversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	return writeJSONAtomic(s.importedPath(conv.ID), conv)
}

// GetSnapshot loads one snapshot by composite id {experiment_id}_{iteration}.
// Ids that don't match the naming convention fall back to a directory scan
// so legacy records remain reachable.
func (s *Store) GetSnapshot(id string) (*domain.ConversationSnapshot, error) {
	if experimentID, iteration, ok := splitSnapshotID(id); ok {
		var snap domain.ConversationSnapshot
		err := readJSON(s.snapshotPath(experimentID, iteration), &snap, "conversation", id)
		if err == nil {
			return &snap, nil
		}
		if !domain.IsNotFound(err) {
			return nil, err
		}
	}
	return s.scanForSnapshot(id)
}

// GetImported loads a free-standing conversation by id.
func (s *Store) GetImported(id string) (*domain.ImportedConversation, error) {
	var conv domain.ImportedConversation
	if err := readJSON(s.importedPath(id), &conv, "conversation", id); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListSnapshots returns all snapshots of one experiment ordered by
// iteration.
func (s *Store) ListSnapshots(experimentID string) ([]domain.ConversationSnapshot, error) {
	dir := filepath.Join(s.experimentDir(experimentID), "conversations")
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.ConversationSnapshot{}, nil
		}
		return nil, &domain.StorageError{Op: "scan", Path: dir, Err: err}
	}

	snaps := make([]domain.ConversationSnapshot, 0, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		var snap domain.ConversationSnapshot
		if err := readJSON(filepath.Join(dir, f.Name()), &snap, "conversation", f.Name()); err != nil {
			continue
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Iteration < snaps[j].Iteration })
	return snaps, nil
}

// scanForSnapshot walks every experiment's conversations directory looking
// for a record whose stored id matches. Slow path for legacy data only.
func (s *Store) scanForSnapshot(id string) (*domain.ConversationSnapshot, error) {
	root := filepath.Join(s.dataDir, "experiments")
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &domain.NotFoundError{Kind: "conversation", ID: id}
		}
		return nil, &domain.StorageError{Op: "scan", Path: root, Err: err}
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		snaps, err := s.ListSnapshots(d.Name())
		if err != nil {
			continue
		}
		for i := range snaps {
			if snaps[i].ID == id {
				return &snaps[i], nil
			}
		}
	}
	return nil, &domain.NotFoundError{Kind: "conversation", ID: id}
}

// splitSnapshotID decodes {experiment_id}_{iteration}. The experiment id
// may itself contain underscores, so the split is on the last one.
func splitSnapshotID(id string) (experimentID string, iteration int, ok bool) {
	i := strings.LastIndex(id, "_")
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return id[:i], n, true
}
