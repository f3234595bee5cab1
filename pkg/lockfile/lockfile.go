package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
)

// DefaultStaleAfter is how old a lock may get before another process is
// allowed to break it. Holders must finish their critical section well
// within this window.
const DefaultStaleAfter = 30 * time.Second

// Lock is an advisory file lock. The file content is "pid:timestamp";
// a lock older than StaleAfter is presumed abandoned and taken over.
type Lock struct {
	Path       string
	StaleAfter time.Duration

	logger logging.Logger
}

func New(path string, staleAfter time.Duration, logger logging.Logger) *Lock {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Lock{
		Path:       path,
		StaleAfter: staleAfter,
		logger:     logger,
	}
}

// TryAcquire attempts to take the lock without blocking. It returns false
// when another live holder owns it.
func (l *Lock) TryAcquire() (bool, error) {
	acquired, err := l.createExclusive()
	if err != nil {
		return false, err
	}
	if acquired {
		return true, nil
	}

	stale, err := l.isStale()
	if err != nil {
		return false, err
	}
	if !stale {
		return false, nil
	}

	l.logger.Warnf("Breaking stale lock file: %s", l.Path)
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return false, errors.NewIOError("failed to remove stale lock file", err).WithContext("path", l.Path)
	}
	return l.createExclusive()
}

// Release removes the lock file. Best effort: a missing file is fine.
func (l *Lock) Release() {
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		l.logger.Warnf("Failed to release lock file %s: %v", l.Path, err)
	}
}

func (l *Lock) createExclusive() (bool, error) {
	f, err := os.OpenFile(l.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errors.NewIOError("failed to create lock file", err).WithContext("path", l.Path)
	}
	defer f.Close()

	content := fmt.Sprintf("%d:%s", os.Getpid(), time.Now().Format(time.RFC3339Nano))
	if _, err := f.WriteString(content); err != nil {
		os.Remove(l.Path)
		return false, errors.NewIOError("failed to write lock file", err).WithContext("path", l.Path)
	}
	return true, nil
}

// isStale reports whether the current lock file is older than StaleAfter.
// An unreadable or malformed lock file is treated as stale: it cannot
// belong to a live, well-behaved holder.
func (l *Lock) isStale() (bool, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, errors.NewIOError("failed to read lock file", err).WithContext("path", l.Path)
	}

	ts, ok := parseLockContent(string(data))
	if !ok {
		return true, nil
	}
	return time.Since(ts) > l.StaleAfter, nil
}

// HolderPID returns the pid recorded in the lock file, or 0 when the lock
// is absent or malformed.
func (l *Lock) HolderPID() int {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return 0
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	return pid
}

func parseLockContent(content string) (time.Time, bool) {
	parts := strings.SplitN(strings.TrimSpace(content), ":", 2)
	if len(parts) != 2 {
		return time.Time{}, false
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
