package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/agentlab/agentlab/internal/domain"
)

// lockInfo is the payload written into a lock file so a stale holder can be
// identified and taken over after a crash.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

var errLockHeld = errors.New("lock is held")

const (
	lockWait      = 5 * time.Second
	lockRetryStep = 25 * time.Millisecond
)

// acquireLock takes an exclusive lock by creating path with O_EXCL. It
// retries for up to lockWait, removing the lock file of a dead process.
// The returned release func removes the lock file.
func acquireLock(path string) (func(), error) {
	deadline := time.Now().Add(lockWait)
	for {
		release, err := tryLock(path)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, errLockHeld) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, &domain.StorageError{Op: "lock", Path: path, Err: err}
		}
		time.Sleep(lockRetryStep)
	}
}

func tryLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if takeOverStale(path) {
				return tryLock(path)
			}
			return nil, fmt.Errorf("%w: %s", errLockHeld, path)
		}
		return nil, &domain.StorageError{Op: "lock", Path: path, Err: err}
	}

	data, _ := json.Marshal(lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()})
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, &domain.StorageError{Op: "lock write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, &domain.StorageError{Op: "lock close", Path: path, Err: err}
	}

	return func() { os.Remove(path) }, nil
}

// takeoverMu serializes stale-lock takeover so two goroutines that both
// read a dead holder's pid cannot each remove the file and end up holding
// the lock together: the second claimant re-reads under the mutex and sees
// the winner's live pid.
var takeoverMu sync.Mutex

// takeOverStale removes path if it is still held by a dead process.
// Returns true when the caller may retry acquisition.
func takeOverStale(path string) bool {
	takeoverMu.Lock()
	defer takeoverMu.Unlock()

	b, err := os.ReadFile(path)
	if err != nil {
		// Already released or taken; let the caller retry either way.
		return os.IsNotExist(err)
	}
	var existing lockInfo
	if json.Unmarshal(b, &existing) != nil || existing.PID <= 0 || processAlive(existing.PID) {
		return false
	}
	return os.Remove(path) == nil
}

func processAlive(pid int) bool {
	// On unix, signal 0 checks existence/permission.
	return syscall.Kill(pid, 0) == nil
}
