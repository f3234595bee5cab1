package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
)

const (
	readRetries    = 3
	readRetryDelay = 50 * time.Millisecond
)

// ReadJSON reads and unmarshals a JSON file. Reads observing a partially
// written or just-renamed file are retried a few times before failing,
// which covers the window between a writer's temp file and its rename.
func ReadJSON(path string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(readRetryDelay)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				lastErr = err
				continue
			}
			return errors.NewIOError("failed to read state file", err).WithContext("path", path)
		}
		if len(data) == 0 {
			lastErr = fmt.Errorf("state file is empty")
			continue
		}
		if err := json.Unmarshal(data, out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	if lastErr != nil && os.IsNotExist(lastErr) {
		return errors.NewNotFoundError("state file does not exist", lastErr).WithContext("path", path)
	}
	return errors.NewIOError("failed to parse state file", lastErr).WithContext("path", path)
}

// ReadJSONOrDefault reads a JSON file into out, calling fallback instead of
// failing when the file is missing or unreadable. Corrupt or absent state
// must never take the caller down.
func ReadJSONOrDefault(path string, out interface{}, fallback func()) {
	if err := ReadJSON(path, out); err != nil {
		fallback()
	}
}

// WriteJSON marshals v and writes it atomically: the content goes to a
// temp file in the target directory, is synced, then renamed over the
// target. Readers never observe a truncated file.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to marshal state", err).WithContext("path", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewIOError("failed to create state directory", err).WithContext("dir", dir)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.NewIOError("failed to create temp state file", err).WithContext("path", tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.NewIOError("failed to write temp state file", err).WithContext("path", tmpPath)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.NewIOError("failed to sync temp state file", err).WithContext("path", tmpPath)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to close temp state file", err).WithContext("path", tmpPath)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to replace state file", err).WithContext("path", path)
	}
	return nil
}

// RemoveIfExists deletes a state file; a missing file is not an error.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove state file", err).WithContext("path", path)
	}
	return nil
}
