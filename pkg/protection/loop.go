package protection

import (
	"context"
	"math/rand"
	"time"
)

// DefaultInterval spaces reconciliation cycles so they interleave with
// the external monitors' schedules instead of colliding with them.
const DefaultInterval = 4 * time.Minute

// Loop runs reconciliation cycles until the context is cancelled. Each
// sleep gets a random jitter of up to a tenth of the interval, so two
// daemons started at the same moment drift apart instead of contending
// for the lock on every tick.
func (m *Manager) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	for {
		if err := m.RunCycle(); err != nil {
			m.logger.Errorf("Protection cycle failed: %v", err)
		}

		jitter := time.Duration(rand.Int63n(int64(interval)/10 + 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval + jitter):
		}
	}
}
