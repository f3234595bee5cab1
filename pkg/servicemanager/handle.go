package servicemanager

import (
	"os"
	"sync"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/proc"
)

// ProcessHandle abstracts a supervised OS process, whether this manager
// launched it or adopted it from a PID file or process-table scan.
type ProcessHandle interface {
	PID() int
	Liveness() proc.Liveness
	Terminate(gracefulTimeout time.Duration) error
	ForceKill() error
	Wait(timeout time.Duration) error
}

// ownedChildProcess wraps a child this manager launched. A reaper
// goroutine waits on the child so it never lingers as a zombie.
type ownedChildProcess struct {
	process *os.Process
	logger  logging.Logger

	done     chan struct{}
	exitOnce sync.Once
}

func newOwnedChildProcess(process *os.Process, logger logging.Logger) *ownedChildProcess {
	h := &ownedChildProcess{
		process: process,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go h.reap()
	return h
}

func (h *ownedChildProcess) reap() {
	state, err := h.process.Wait()
	h.exitOnce.Do(func() { close(h.done) })
	if err != nil {
		h.logger.Debugf("Wait on pid %d returned: %v", h.process.Pid, err)
		return
	}
	h.logger.Debugf("Process %d exited: %s", h.process.Pid, state.String())
}

func (h *ownedChildProcess) PID() int {
	return h.process.Pid
}

func (h *ownedChildProcess) Liveness() proc.Liveness {
	select {
	case <-h.done:
		return proc.NotFound
	default:
		return proc.Check(h.process.Pid)
	}
}

func (h *ownedChildProcess) Terminate(gracefulTimeout time.Duration) error {
	return proc.TerminateTree(h.process.Pid, gracefulTimeout, h.logger)
}

func (h *ownedChildProcess) ForceKill() error {
	if err := h.process.Kill(); err != nil {
		return errors.NewProcessError("failed to kill process", err).WithContext("pid", h.process.Pid)
	}
	return nil
}

func (h *ownedChildProcess) Wait(timeout time.Duration) error {
	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		return errors.NewTimeoutError("process did not exit in time", nil).WithContext("pid", h.process.Pid)
	}
}

// adoptedProcess is reconstructed from a pid alone (PID file or table
// scan). Exit can only be observed by polling the process table.
type adoptedProcess struct {
	pid    int
	logger logging.Logger
}

func newAdoptedProcess(pid int, logger logging.Logger) *adoptedProcess {
	return &adoptedProcess{pid: pid, logger: logger}
}

func (h *adoptedProcess) PID() int {
	return h.pid
}

func (h *adoptedProcess) Liveness() proc.Liveness {
	return proc.Check(h.pid)
}

func (h *adoptedProcess) Terminate(gracefulTimeout time.Duration) error {
	return proc.TerminateTree(h.pid, gracefulTimeout, h.logger)
}

func (h *adoptedProcess) ForceKill() error {
	p, err := os.FindProcess(h.pid)
	if err != nil {
		return errors.NewProcessError("failed to find process", err).WithContext("pid", h.pid)
	}
	if err := p.Kill(); err != nil {
		return errors.NewProcessError("failed to kill process", err).WithContext("pid", h.pid)
	}
	return nil
}

func (h *adoptedProcess) Wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.Liveness() != proc.Alive {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if h.Liveness() != proc.Alive {
		return nil
	}
	return errors.NewTimeoutError("process did not exit in time", nil).WithContext("pid", h.pid)
}
