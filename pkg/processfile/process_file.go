package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/proc"
)

const pidFileSuffix = "_service.pid"

// ProcessFileManager owns the PID file layout for supervised services:
// one file per service under a shared directory, containing the bare
// decimal pid and a trailing newline.
type ProcessFileManager struct {
	directory string
	logger    logging.Logger
}

func NewProcessFileManager(directory string, logger logging.Logger) *ProcessFileManager {
	if directory == "" {
		directory = os.TempDir()
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &ProcessFileManager{
		directory: directory,
		logger:    logger,
	}
}

// PIDFilePath returns the PID file path for a service name.
func (m *ProcessFileManager) PIDFilePath(service string) string {
	return filepath.Join(m.directory, service+pidFileSuffix)
}

// WritePIDFile records the pid for a service.
func (m *ProcessFileManager) WritePIDFile(service string, pid int) error {
	if pid <= 0 {
		return errors.NewValidationError("pid must be positive", nil).
			WithContext("service", service).WithContext("pid", pid)
	}
	path := m.PIDFilePath(service)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.NewIOError("failed to create PID file directory", err).WithContext("path", path)
	}
	content := fmt.Sprintf("%d\n", pid)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("path", path)
	}
	return nil
}

// ReadPIDFile returns the recorded pid for a service. A missing file is a
// not-found error; malformed content is an IO error.
func (m *ProcessFileManager) ReadPIDFile(service string) (int, error) {
	path := m.PIDFilePath(service)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file does not exist", err).WithContext("path", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("path", path)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.NewIOError("PID file content is not a valid pid", err).WithContext("path", path)
	}
	return pid, nil
}

// RemovePIDFile deletes a service's PID file; missing is not an error.
func (m *ProcessFileManager) RemovePIDFile(service string) error {
	path := m.PIDFilePath(service)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("path", path)
	}
	return nil
}

// AlivePID returns the service's recorded pid when that pid is a live,
// non-zombie process. A PID file pointing at a dead or zombie process is
// deleted on the spot, so stale files heal themselves on the next check.
func (m *ProcessFileManager) AlivePID(service string) (int, bool) {
	pid, err := m.ReadPIDFile(service)
	if err != nil {
		if !errors.IsNotFound(err) {
			m.logger.Warnf("Removing unreadable PID file for %s: %v", service, err)
			m.RemovePIDFile(service)
		}
		return 0, false
	}

	switch proc.Check(pid) {
	case proc.Alive:
		return pid, true
	case proc.Zombie:
		m.logger.Warnf("PID file for %s points at zombie pid %d, removing", service, pid)
	default:
		m.logger.Debugf("Removing stale PID file for %s (pid %d is gone)", service, pid)
	}
	m.RemovePIDFile(service)
	return 0, false
}
