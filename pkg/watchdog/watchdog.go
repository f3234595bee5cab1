package watchdog

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/statestore"
)

// Watchdog keeps the whole installation alive: it samples system health
// every cycle, restarts the top-level application when it misbehaves,
// and runs network and hardware recovery ladders when those subsystems
// fail. All state lives in the instance; nothing is shared.
type Watchdog struct {
	cfg     Config
	runner  CommandRunner
	sampler *sampler
	logger  logging.Logger

	mu                 sync.Mutex
	history            []Health
	cycleCount         int
	cachedNetworkOK    bool
	networkEverChecked bool
	lastRestart        time.Time
	restartCount       int
}

func New(cfg Config, runner CommandRunner, logger logging.Logger) (*Watchdog, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		runner = NewCommandRunner()
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Watchdog{
		cfg:     cfg,
		runner:  runner,
		sampler: newSampler(cfg, runner, logger),
		logger:  logger,
	}, nil
}

// RunCycle performs one full monitoring pass and returns the sampled
// health. Per-check failures never abort the cycle.
func (w *Watchdog) RunCycle(ctx context.Context) Health {
	now := time.Now()
	h := Health{Timestamp: now}

	w.sampler.systemMetrics(&h)
	h.ErrorCount = w.sampler.errorCount(ctx)
	h.ServiceHealthy = w.sampler.serviceHealthy(ctx)
	h.NetworkConnected = w.networkStatus(ctx)
	h.HardwareHealthy = w.sampler.hardwareHealthy(ctx)

	w.evaluate(ctx, &h)

	w.mu.Lock()
	w.history = pruneHistory(w.history, now)
	w.history = append(w.history, h)
	w.mu.Unlock()

	if err := statestore.WriteJSON(w.cfg.HealthFile, &h); err != nil {
		w.logger.Warnf("Failed to write health snapshot: %v", err)
	}
	return h
}

// networkStatus probes connectivity only every Nth cycle, reusing the
// cached verdict otherwise.
func (w *Watchdog) networkStatus(ctx context.Context) bool {
	w.mu.Lock()
	w.cycleCount++
	probe := !w.networkEverChecked || w.cycleCount%w.cfg.NetworkCheckFrequency == 0
	cached := w.cachedNetworkOK
	w.mu.Unlock()

	if !probe {
		return cached
	}

	connected := w.sampler.networkConnected(ctx)
	w.mu.Lock()
	w.cachedNetworkOK = connected
	w.networkEverChecked = true
	w.mu.Unlock()
	return connected
}

// evaluate applies the threshold ladder: at most one corrective action
// per cycle, in priority order. CPU and temperature overages are logged
// only, single spikes are expected on this hardware.
func (w *Watchdog) evaluate(ctx context.Context, h *Health) {
	if h.CPUPercent > w.cfg.CPUThreshold {
		h.Issues = append(h.Issues, fmt.Sprintf("cpu usage %.1f%% over threshold", h.CPUPercent))
		w.logger.Warnf("CPU usage %.1f%% over threshold %.1f%%", h.CPUPercent, w.cfg.CPUThreshold)
	}
	if h.CPUTemperature > w.cfg.TemperatureThreshold {
		h.Issues = append(h.Issues, fmt.Sprintf("cpu temperature %.1fC over threshold", h.CPUTemperature))
		w.logger.Warnf("CPU temperature %.1fC over threshold %.1fC", h.CPUTemperature, w.cfg.TemperatureThreshold)
	}
	if h.DiskPercent > w.cfg.DiskThreshold {
		h.Issues = append(h.Issues, fmt.Sprintf("disk usage %.1f%% over threshold", h.DiskPercent))
		w.logger.Warnf("Disk usage %.1f%% over threshold %.1f%%", h.DiskPercent, w.cfg.DiskThreshold)
	}

	switch {
	case h.MemoryPercent > w.cfg.MemoryThreshold:
		h.Issues = append(h.Issues, fmt.Sprintf("memory usage %.1f%% over threshold", h.MemoryPercent))
		if w.leakSuspectedWith(*h) {
			w.logger.Warnf("Sustained memory climb detected, running cleanup before restart")
			w.Cleanup(ctx)
		}
		w.restartService(ctx, h, "memory over threshold")

	case !h.ServiceHealthy:
		h.Issues = append(h.Issues, "application health check failed")
		w.restartService(ctx, h, "health check failed")

	case h.ErrorCount > w.cfg.ErrorCountThreshold:
		h.Issues = append(h.Issues, fmt.Sprintf("%d recent errors over threshold", h.ErrorCount))
		w.restartService(ctx, h, "error count over threshold")

	case !h.NetworkConnected:
		h.Issues = append(h.Issues, "network disconnected")
		if w.cfg.EnableNetworkRecovery {
			if err := w.RecoverNetwork(ctx); err != nil {
				w.logger.Errorf("Network recovery failed: %v", err)
			}
		}

	case !h.HardwareHealthy:
		h.Issues = append(h.Issues, "hardware self-test failed")
		if w.cfg.EnableHardwareRecovery {
			if err := w.RecoverHardware(ctx); err != nil {
				w.logger.Errorf("Hardware recovery failed: %v", err)
			}
		}
	}
}

func (w *Watchdog) leakSuspectedWith(current Health) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	window := append(append([]Health(nil), w.history...), current)
	return memoryLeakSuspected(window)
}

// restartService restarts the supervised unit, rate-limited via the
// health history. Over the cap it refuses and logs: a restart storm
// makes downtime worse than any single failure.
func (w *Watchdog) restartService(ctx context.Context, h *Health, reason string) {
	w.mu.Lock()
	recent := restartsInLastHour(w.history, h.Timestamp)
	w.mu.Unlock()

	if recent >= w.cfg.MaxRestartsPerHour {
		w.logger.Warnf("Restart suppressed (%s): %d restarts in the last hour, cap is %d",
			reason, recent, w.cfg.MaxRestartsPerHour)
		h.Issues = append(h.Issues, "restart suppressed by rate limit")
		return
	}

	w.logger.Warnf("Restarting %s: %s", w.cfg.ServiceUnit, reason)
	if _, err := w.runner.Run(ctx, "systemctl", "stop", w.cfg.ServiceUnit); err != nil {
		w.logger.Warnf("Stop of %s reported: %v", w.cfg.ServiceUnit, err)
	}
	if _, err := w.runner.Run(ctx, "systemctl", "start", w.cfg.ServiceUnit); err != nil {
		w.logger.Errorf("Start of %s failed: %v", w.cfg.ServiceUnit, err)
		h.Issues = append(h.Issues, "restart failed")
		return
	}

	h.Restarted = true
	w.mu.Lock()
	w.restartCount++
	w.lastRestart = h.Timestamp
	w.mu.Unlock()
}

// SystemHealth returns the most recent health sample.
func (w *Watchdog) SystemHealth() (Health, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.history) == 0 {
		return Health{}, false
	}
	return w.history[len(w.history)-1], true
}

// History returns a copy of the retained health history.
func (w *Watchdog) History() []Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Health(nil), w.history...)
}

// RestartCount reports how many restarts this instance has issued.
func (w *Watchdog) RestartCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restartCount
}

// Loop runs cycles until the context is cancelled, with a small jitter
// on each sleep so co-scheduled monitors drift apart.
func (w *Watchdog) Loop(ctx context.Context) {
	for {
		w.RunCycle(ctx)

		jitter := time.Duration(rand.Int63n(int64(w.cfg.CheckInterval)/10 + 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.CheckInterval + jitter):
		}
	}
}
