package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentlab/agentlab/internal/domain"
)

// writeJSONAtomic writes v as indented JSON to path via a temp file in the
// same directory, fsyncs, then renames over the target. A reader can never
// observe a partially written file. Any failure removes the temp file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &domain.StorageError{Op: "encode", Path: path, Err: err}
	}
	return writeBytesAtomic(path, data)
}

func writeBytesAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &domain.StorageError{Op: "create temp", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	cleanup := func(op string, cause error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &domain.StorageError{Op: op, Path: path, Err: cause}
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &domain.StorageError{Op: "close", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &domain.StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// readJSON reads path into v, translating a missing file into NotFoundError
// with the given kind and id.
func readJSON(path string, v any, kind, id string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &domain.NotFoundError{Kind: kind, ID: id}
		}
		return &domain.StorageError{Op: "read", Path: path, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &domain.StorageError{Op: "decode", Path: path, Err: fmt.Errorf("corrupt record: %w", err)}
	}
	return nil
}
