package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// lockPollInterval is how often a held lock file is retried.
const lockPollInterval = 10 * time.Millisecond

// WriteJSONFile encodes v as indented JSON into a temp file next to path,
// syncs it and renames it over path. Readers never see a partial file.
func WriteJSONFile(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		cleanup()
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// storeLock is an exclusive advisory lock on "<store>.lock", held for the
// lifetime of a JSONStore so two processes never share a store file.
type storeLock struct {
	path string
	file *os.File
}

// acquireStoreLock polls until the lock is free or timeout elapses.
func acquireStoreLock(storePath string, timeout time.Duration) (*storeLock, error) {
	path := storePath + ".lock"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "lock", Entity: "store", ID: path, Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, &StorageError{Op: "lock", Entity: "store", ID: path, Err: err}
	}

	deadline := time.Now().Add(timeout)
	for {
		if tryLockFile(f) == nil {
			return &storeLock{path: path, file: f}, nil
		}
		if !time.Now().Before(deadline) {
			f.Close()
			return nil, ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
}

// release unlocks and removes the lock file. Safe to call twice.
func (l *storeLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockFile(l.file)
	err := l.file.Close()
	os.Remove(l.path)
	l.file = nil
	return err
}
