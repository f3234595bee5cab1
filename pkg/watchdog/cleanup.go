package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/proc"
)

// staleArtifactAge is how old a playback artifact must be before the
// cleanup pass deletes it; fresh ones may still be in use.
const staleArtifactAge = 2 * time.Hour

// strayWorkerAge is how long a supervised worker may run outside its
// manager before the cleanup pass kills it.
const strayWorkerAge = 2 * time.Hour

// Cleanup frees memory and disk pressure: stale playback artifacts are
// purged from the temp directory, stray audio decoders and aged worker
// processes are killed, and the journal is vacuumed. Every step is best
// effort.
func (w *Watchdog) Cleanup(ctx context.Context) {
	w.logger.Infof("Running cleanup pass")

	w.purgeTempArtifacts()

	if killed := proc.KillByPatterns([]string{"mpg123"}, 0, 2*time.Second, w.logger); killed > 0 {
		w.logger.Infof("Killed %d stray audio decoder(s)", killed)
	}

	if killed := w.killStrayWorkers(time.Now().Add(-strayWorkerAge)); killed > 0 {
		w.logger.Infof("Killed %d stray worker process(es)", killed)
	}

	if _, err := w.runner.Run(ctx, "journalctl", "--vacuum-size=100M"); err != nil {
		w.logger.Warnf("Journal vacuum failed: %v", err)
	}
}

// killStrayWorkers terminates worker processes matching the configured
// patterns that started before the cutoff. Younger matches belong to the
// live services and are left alone, as are matches with no readable
// start time.
func (w *Watchdog) killStrayWorkers(cutoff time.Time) int {
	killed := 0
	for _, match := range proc.FindByPatterns(w.cfg.StrayWorkerPatterns) {
		if match.Started.IsZero() || !match.Started.Before(cutoff) {
			continue
		}
		w.logger.Warnf("Killing stray worker pid=%d started=%s cmdline=%q",
			match.PID, match.Started.Format(time.RFC3339), match.Cmdline)
		if err := proc.TerminateTree(match.PID, 2*time.Second, w.logger); err != nil {
			w.logger.Warnf("Failed to kill stray worker pid %d: %v", match.PID, err)
			continue
		}
		killed++
	}
	return killed
}

// purgeTempArtifacts removes leftover playback control files and stale
// media drops from the temp directory.
func (w *Watchdog) purgeTempArtifacts() {
	entries, err := os.ReadDir(w.cfg.TempDir)
	if err != nil {
		w.logger.Warnf("Cannot read temp dir %s: %v", w.cfg.TempDir, err)
		return
	}

	cutoff := time.Now().Add(-staleArtifactAge)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(w.cfg.TempDir, name)

		switch {
		case strings.HasPrefix(name, "mpg_pid_"),
			strings.HasPrefix(name, "play_") && strings.HasSuffix(name, ".sh"):
			if os.Remove(path) == nil {
				removed++
			}

		case strings.HasSuffix(name, ".mpg"):
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		w.logger.Infof("Removed %d stale artifact(s) from %s", removed, w.cfg.TempDir)
	}
}
