package persistence

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// maxEventLogEntries caps the event log so it stays readable on a small
// SD card over months of exhibition uptime.
const maxEventLogEntries = 1000

// LogEvent appends a service lifecycle event to the event log, newest
// first. Logging failures are reported but never propagated: the event
// log is diagnostics, not state.
func (m *Manager) LogEvent(service, action, reason string, success bool) {
	if m.eventLog == "" {
		return
	}

	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	entry := fmt.Sprintf("[%s] %s: %s %s - %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		status,
		strings.ToUpper(service),
		strings.ToUpper(action),
		reason,
	)

	existing, err := os.ReadFile(m.eventLog)
	if err != nil && !os.IsNotExist(err) {
		m.logger.Warnf("Failed to read event log: %v", err)
		existing = nil
	}

	lines := splitKeepNewlines(string(existing))
	if len(lines) > maxEventLogEntries-1 {
		lines = lines[:maxEventLogEntries-1]
	}

	var sb strings.Builder
	sb.WriteString(entry)
	for _, line := range lines {
		sb.WriteString(line)
	}

	if err := os.WriteFile(m.eventLog, []byte(sb.String()), 0o644); err != nil {
		m.logger.Warnf("Failed to write event log: %v", err)
	}
}

func splitKeepNewlines(content string) []string {
	if content == "" {
		return nil
	}
	var lines []string
	for {
		idx := strings.IndexByte(content, '\n')
		if idx < 0 {
			if content != "" {
				lines = append(lines, content+"\n")
			}
			return lines
		}
		lines = append(lines, content[:idx+1])
		content = content[idx+1:]
	}
}
