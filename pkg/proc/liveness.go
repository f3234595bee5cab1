package proc

import (
	"github.com/shirou/gopsutil/v4/process"
)

// Liveness classifies what the OS knows about a pid. A zombie is reported
// distinctly: it occupies the process table but does no work, so callers
// must treat it as not-running and reap or replace it.
type Liveness string

const (
	Alive    Liveness = "alive"
	Zombie   Liveness = "zombie"
	NotFound Liveness = "not_found"
)

// Check classifies the liveness of a pid.
func Check(pid int) Liveness {
	if pid <= 0 {
		return NotFound
	}

	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return NotFound
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return NotFound
	}

	statuses, err := p.Status()
	if err != nil {
		// The pid exists but its status is unreadable (typically a
		// permissions boundary). Assume alive rather than declaring a
		// possibly healthy process dead.
		return Alive
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return Zombie
		}
	}
	return Alive
}

// IsAlive reports whether the pid refers to a live, non-zombie process.
func IsAlive(pid int) bool {
	return Check(pid) == Alive
}
