package proc

import (
	"syscall"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
)

const killSettleTimeout = 3 * time.Second

// TerminateTree stops a process and its process group: SIGTERM first, a
// bounded wait for exit, then SIGKILL escalation. When the target shares
// the caller's own process group, only the single pid is signalled so the
// supervisor never terminates itself.
func TerminateTree(pid int, gracefulTimeout time.Duration, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	if Check(pid) == NotFound {
		return nil
	}

	target, groupWide := signalTarget(pid)
	if !groupWide {
		logger.Warnf("Process %d shares the supervisor's process group, signalling pid only", pid)
	}

	if err := syscall.Kill(target, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return errors.NewProcessError("failed to signal process", err).WithContext("pid", pid)
	}

	if waitGone(pid, gracefulTimeout) {
		return nil
	}

	logger.Warnf("Process %d did not exit within %v, escalating to SIGKILL", pid, gracefulTimeout)
	if err := syscall.Kill(target, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return errors.NewProcessError("failed to kill process", err).WithContext("pid", pid)
	}

	if waitGone(pid, killSettleTimeout) {
		return nil
	}
	return errors.NewTimeoutError("process survived SIGKILL", nil).WithContext("pid", pid)
}

// signalTarget returns the kill(2) target for pid: the negated process
// group when the group differs from our own, otherwise the bare pid.
func signalTarget(pid int) (int, bool) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return pid, false
	}
	ownPgid, err := syscall.Getpgid(syscall.Getpid())
	if err != nil || pgid == ownPgid {
		return pid, false
	}
	return -pgid, true
}

// waitGone polls until the pid leaves the process table (zombies count as
// gone once the parent reaps; an unreaped zombie is also acceptable since
// it no longer runs).
func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if Check(pid) != Alive {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return Check(pid) != Alive
}
