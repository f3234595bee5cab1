package proc

import (
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
)

// MatchInfo describes a process found by a command-line scan.
type MatchInfo struct {
	PID     int
	Cmdline string
	Started time.Time
}

// FindByPatterns scans the process table for live processes whose command
// line contains any of the given substrings. The caller's own pid is
// never returned.
func FindByPatterns(patterns []string) []MatchInfo {
	if len(patterns) == 0 {
		return nil
	}

	procs, err := process.Processes()
	if err != nil {
		return nil
	}

	self := int32(os.Getpid())
	var matches []MatchInfo
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		for _, pattern := range patterns {
			if strings.Contains(cmdline, pattern) {
				info := MatchInfo{PID: int(p.Pid), Cmdline: cmdline}
				if createMillis, err := p.CreateTime(); err == nil {
					info.Started = time.UnixMilli(createMillis)
				}
				matches = append(matches, info)
				break
			}
		}
	}
	return matches
}

// KillByPatterns terminates every process matching the patterns, except
// the given pid (0 means no exception). Returns the number of processes
// signalled. Used to purge duplicate service instances before a start.
func KillByPatterns(patterns []string, exceptPID int, gracefulTimeout time.Duration, logger logging.Logger) int {
	if logger == nil {
		logger = logging.NewNullLogger()
	}

	killed := 0
	for _, match := range FindByPatterns(patterns) {
		if exceptPID != 0 && match.PID == exceptPID {
			continue
		}
		logger.Infof("Killing duplicate instance pid=%d cmdline=%q", match.PID, match.Cmdline)
		if err := TerminateTree(match.PID, gracefulTimeout, logger); err != nil {
			logger.Warnf("Failed to kill pid %d: %v", match.PID, err)
			continue
		}
		killed++
	}
	return killed
}
