package watchdog

import (
	"time"
)

// Health is one cycle's sampled view of the system.
type Health struct {
	Timestamp        time.Time `json:"timestamp"`
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryPercent    float64   `json:"memory_percent"`
	DiskPercent      float64   `json:"disk_percent"`
	CPUTemperature   float64   `json:"cpu_temperature"`
	UptimeSeconds    uint64    `json:"uptime_seconds"`
	NetworkConnected bool      `json:"network_connected"`
	ServiceHealthy   bool      `json:"service_healthy"`
	HardwareHealthy  bool      `json:"hardware_healthy"`
	ErrorCount       int       `json:"error_count"`
	Restarted        bool      `json:"restarted"`
	Issues           []string  `json:"issues,omitempty"`
}

// historyRetention bounds the in-memory history for a process expected
// to run unattended for weeks.
const historyRetention = 24 * time.Hour

// leakWindow is how many recent samples the memory-leak heuristic
// inspects.
const leakWindow = 10

// pruneHistory drops entries older than the retention cutoff.
func pruneHistory(history []Health, now time.Time) []Health {
	cutoff := now.Add(-historyRetention)
	kept := history[:0]
	for _, h := range history {
		if h.Timestamp.After(cutoff) {
			kept = append(kept, h)
		}
	}
	return kept
}

// restartsInLastHour counts watchdog-attributed restarts in the trailing
// hour, the input to the restart-storm guard.
func restartsInLastHour(history []Health, now time.Time) int {
	cutoff := now.Add(-time.Hour)
	count := 0
	for _, h := range history {
		if h.Restarted && h.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

// memoryLeakSuspected compares the first and second halves of the last
// ten samples: a rise of more than five percentage points at already
// high usage reads as a leak rather than load.
func memoryLeakSuspected(history []Health) bool {
	if len(history) < leakWindow {
		return false
	}
	recent := history[len(history)-leakWindow:]

	var total float64
	for _, h := range recent {
		total += h.MemoryPercent
	}
	if total/leakWindow <= 80 {
		return false
	}

	half := leakWindow / 2
	var first, second float64
	for i := 0; i < half; i++ {
		first += recent[i].MemoryPercent
	}
	for i := half; i < leakWindow; i++ {
		second += recent[i].MemoryPercent
	}
	return second/float64(half) > first/float64(half)+5
}
