package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/proc"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/statestore"
)

// fakeRunner scripts external command behavior per test. The key is the
// full command line; unmatched commands succeed with empty output.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	handler func(cmd string) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		return handler(cmd)
	}
	return "", nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) CallCount(prefix string) int {
	count := 0
	for _, call := range f.Calls() {
		if strings.HasPrefix(call, prefix) {
			count++
		}
	}
	return count
}

func (f *fakeRunner) setHandler(h func(cmd string) (string, error)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func permissiveConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	// Thresholds at their ceilings so the real host's metrics never
	// trip an action; tests drive behavior through the fake runner.
	cfg.MemoryThreshold = 100
	cfg.CPUThreshold = 100
	cfg.DiskThreshold = 100
	cfg.TemperatureThreshold = 500
	cfg.ErrorCountThreshold = 1000
	cfg.HealthFile = filepath.Join(t.TempDir(), "cos_health.json")
	cfg.TempDir = t.TempDir()
	cfg.RecoverySettle = time.Millisecond
	cfg.EnableNetworkRecovery = false
	cfg.EnableHardwareRecovery = false
	cfg.ThermalZonePath = filepath.Join(t.TempDir(), "temp")
	// A name no test host has, so the Ethernet fallback never makes a
	// scripted-disconnected host look connected.
	cfg.EthernetInterface = "ethNONE0"
	return cfg
}

// healthySystem scripts a fully healthy host.
func healthySystem(cmd string) (string, error) {
	switch {
	case strings.HasPrefix(cmd, "systemctl is-active"):
		return "active", nil
	case strings.HasPrefix(cmd, "curl"):
		return "200", nil
	case strings.HasPrefix(cmd, "ip route show default"):
		return "default via 192.168.1.1 dev wlan0", nil
	case strings.HasPrefix(cmd, "ping"):
		return "1 packets transmitted, 1 received", nil
	case strings.HasPrefix(cmd, "i2cdetect"):
		return "10: 10 -- --\n60: 60 -- --", nil
	case strings.HasPrefix(cmd, "journalctl"):
		return "", nil
	}
	return "", nil
}

func newTestWatchdog(t *testing.T, cfg Config, runner *fakeRunner) *Watchdog {
	w, err := New(cfg, runner, nil)
	require.NoError(t, err)
	return w
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	var cfg Config
	cfg.setDefaults()
	assert.Equal(t, 60*time.Second, cfg.CheckInterval)
	assert.Equal(t, 85.0, cfg.MemoryThreshold)
	assert.Equal(t, 3, cfg.MaxRestartsPerHour)
	assert.Equal(t, 3, cfg.NetworkCheckFrequency)
	// A config that omits the settle pause must not run recovery tiers
	// back to back.
	assert.Equal(t, 3*time.Second, cfg.RecoverySettle)
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.MemoryThreshold = 150
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.CheckInterval = 10 * time.Millisecond
	assert.Error(t, bad.Validate())
}

func TestNetworkVerdictAnyPathCountsAsConnected(t *testing.T) {
	runner := &fakeRunner{}
	runner.setHandler(func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "ip route") || strings.HasPrefix(cmd, "ping") {
			return "", os.ErrDeadlineExceeded
		}
		return "", nil
	})

	// Gateway and internet both unreachable, but the interface still
	// holds an address: loopback stands in for a configured Ethernet
	// port with an IP.
	cfg := permissiveConfig(t)
	cfg.EthernetInterface = "lo"
	w := newTestWatchdog(t, cfg, runner)
	assert.True(t, w.sampler.networkConnected(context.Background()))

	cfg.EthernetInterface = "ethNONE0"
	w = newTestWatchdog(t, cfg, runner)
	assert.False(t, w.sampler.networkConnected(context.Background()))
}

func TestHealthyCycleTakesNoAction(t *testing.T) {
	runner := &fakeRunner{handler: healthySystem}
	w := newTestWatchdog(t, permissiveConfig(t), runner)

	h := w.RunCycle(context.Background())
	assert.True(t, h.ServiceHealthy)
	assert.True(t, h.NetworkConnected)
	assert.True(t, h.HardwareHealthy)
	assert.False(t, h.Restarted)
	assert.Zero(t, runner.CallCount("systemctl stop"))
}

func TestCycleWritesHealthSnapshot(t *testing.T) {
	cfg := permissiveConfig(t)
	runner := &fakeRunner{handler: healthySystem}
	w := newTestWatchdog(t, cfg, runner)

	w.RunCycle(context.Background())

	var snapshot Health
	require.NoError(t, statestore.ReadJSON(cfg.HealthFile, &snapshot))
	assert.True(t, snapshot.ServiceHealthy)
}

func TestUnhealthyServiceTriggersRestart(t *testing.T) {
	runner := &fakeRunner{handler: func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "systemctl is-active") {
			return "inactive", nil
		}
		return healthySystem(cmd)
	}}
	w := newTestWatchdog(t, permissiveConfig(t), runner)

	h := w.RunCycle(context.Background())
	assert.False(t, h.ServiceHealthy)
	assert.True(t, h.Restarted)
	assert.Equal(t, 1, runner.CallCount("systemctl stop cos-control-panel"))
	assert.Equal(t, 1, runner.CallCount("systemctl start cos-control-panel"))
	assert.Equal(t, 1, w.RestartCount())
}

func TestRestartRateLimit(t *testing.T) {
	cfg := permissiveConfig(t)
	cfg.MaxRestartsPerHour = 2
	runner := &fakeRunner{handler: func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "systemctl is-active") {
			return "inactive", nil
		}
		return healthySystem(cmd)
	}}
	w := newTestWatchdog(t, cfg, runner)

	ctx := context.Background()
	first := w.RunCycle(ctx)
	second := w.RunCycle(ctx)
	third := w.RunCycle(ctx)

	assert.True(t, first.Restarted)
	assert.True(t, second.Restarted)
	assert.False(t, third.Restarted, "third restart within the hour must be suppressed")
	assert.Contains(t, third.Issues, "restart suppressed by rate limit")
	assert.Equal(t, 2, w.RestartCount())
}

func TestNetworkProbeThrottling(t *testing.T) {
	cfg := permissiveConfig(t)
	cfg.NetworkCheckFrequency = 3
	runner := &fakeRunner{handler: healthySystem}
	w := newTestWatchdog(t, cfg, runner)

	ctx := context.Background()
	w.RunCycle(ctx) // cycle 1: first probe
	w.RunCycle(ctx) // cycle 2: cached
	w.RunCycle(ctx) // cycle 3: probe

	assert.Equal(t, 2, runner.CallCount("ip route show default"),
		"connectivity must be probed on the first and every third cycle only")
}

func TestHealthEndpointCurlFallback(t *testing.T) {
	// The HTTP URL points nowhere, so the in-process client fails and
	// the sampler must fall back to curl.
	cfg := permissiveConfig(t)
	cfg.HealthURL = "http://127.0.0.1:1/exhibition/health"
	runner := &fakeRunner{handler: healthySystem}
	w := newTestWatchdog(t, cfg, runner)

	h := w.RunCycle(context.Background())
	assert.True(t, h.ServiceHealthy)
	assert.GreaterOrEqual(t, runner.CallCount("curl"), 1)
}

func TestHardwareSelfTest(t *testing.T) {
	runner := &fakeRunner{handler: func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "i2cdetect") {
			// The FM tuner (0x60) is missing from the scan.
			return "10: 10 -- --", nil
		}
		return healthySystem(cmd)
	}}
	w := newTestWatchdog(t, permissiveConfig(t), runner)

	h := w.RunCycle(context.Background())
	assert.False(t, h.HardwareHealthy)
	assert.Contains(t, h.Issues, "hardware self-test failed")
}

func TestHardwareSelfTestIgnoresRowLabels(t *testing.T) {
	// An empty bus still prints the "10:" and "60:" row labels; only
	// detected device tokens may satisfy the check.
	emptyScan := "     0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f\n" +
		"00:          -- -- -- -- -- -- -- -- -- -- -- -- --\n" +
		"10: -- -- -- -- -- -- -- -- -- -- -- -- -- -- -- --\n" +
		"60: -- -- -- -- -- -- -- --\n"
	populatedScan := "     0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f\n" +
		"10: 10 -- -- -- -- -- -- -- -- -- -- -- -- -- -- --\n" +
		"60: 60 -- -- -- -- -- -- --\n"

	scan := emptyScan
	runner := &fakeRunner{}
	runner.setHandler(func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "i2cdetect") {
			return scan, nil
		}
		return healthySystem(cmd)
	})
	w := newTestWatchdog(t, permissiveConfig(t), runner)

	assert.False(t, w.sampler.hardwareHealthy(context.Background()))

	scan = populatedScan
	assert.True(t, w.sampler.hardwareHealthy(context.Background()))
}

func TestCPUTemperatureSampling(t *testing.T) {
	cfg := permissiveConfig(t)
	require.NoError(t, os.WriteFile(cfg.ThermalZonePath, []byte("52034\n"), 0o644))
	runner := &fakeRunner{handler: healthySystem}
	w := newTestWatchdog(t, cfg, runner)

	h := w.RunCycle(context.Background())
	assert.InDelta(t, 52.034, h.CPUTemperature, 0.001)
}

func TestHistoryPruning(t *testing.T) {
	old := Health{Timestamp: time.Now().Add(-25 * time.Hour)}
	recent := Health{Timestamp: time.Now().Add(-time.Minute)}

	pruned := pruneHistory([]Health{old, recent}, time.Now())
	require.Len(t, pruned, 1)
	assert.Equal(t, recent.Timestamp, pruned[0].Timestamp)
}

func TestRestartsInLastHour(t *testing.T) {
	now := time.Now()
	history := []Health{
		{Timestamp: now.Add(-2 * time.Hour), Restarted: true},
		{Timestamp: now.Add(-30 * time.Minute), Restarted: true},
		{Timestamp: now.Add(-10 * time.Minute), Restarted: false},
		{Timestamp: now.Add(-5 * time.Minute), Restarted: true},
	}
	assert.Equal(t, 2, restartsInLastHour(history, now))
}

func TestMemoryLeakHeuristic(t *testing.T) {
	now := time.Now()
	build := func(values ...float64) []Health {
		history := make([]Health, len(values))
		for i, v := range values {
			history[i] = Health{Timestamp: now, MemoryPercent: v}
		}
		return history
	}

	// Climbing at high usage: leak.
	assert.True(t, memoryLeakSuspected(build(80, 80, 81, 81, 82, 86, 87, 88, 89, 90)))

	// High but flat: not a leak.
	assert.False(t, memoryLeakSuspected(build(86, 86, 86, 86, 86, 86, 86, 86, 86, 86)))

	// Climbing but low overall: not a leak.
	assert.False(t, memoryLeakSuspected(build(40, 41, 42, 43, 44, 50, 51, 52, 53, 54)))

	// Too few samples: no verdict.
	assert.False(t, memoryLeakSuspected(build(90, 91, 92)))
}

func TestCleanupPurgesArtifacts(t *testing.T) {
	cfg := permissiveConfig(t)
	runner := &fakeRunner{handler: healthySystem}
	w := newTestWatchdog(t, cfg, runner)

	fresh := filepath.Join(cfg.TempDir, "current.mpg")
	pidDrop := filepath.Join(cfg.TempDir, "mpg_pid_1234")
	playScript := filepath.Join(cfg.TempDir, "play_radio.sh")
	unrelated := filepath.Join(cfg.TempDir, "keep.txt")
	for _, path := range []string{fresh, pidDrop, playScript, unrelated} {
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	w.Cleanup(context.Background())

	_, err := os.Stat(pidDrop)
	assert.True(t, os.IsNotExist(err), "pid drop files must be purged")
	_, err = os.Stat(playScript)
	assert.True(t, os.IsNotExist(err), "play scripts must be purged")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh media must survive")
	_, err = os.Stat(unrelated)
	assert.NoError(t, err, "unrelated files must survive")

	assert.Equal(t, 1, runner.CallCount("journalctl --vacuum-size=100M"))
}

func TestCleanupKillsAgedStrayWorkers(t *testing.T) {
	cfg := permissiveConfig(t)
	cfg.StrayWorkerPatterns = []string{"sleep 31301"}
	w := newTestWatchdog(t, cfg, &fakeRunner{handler: healthySystem})

	stray, err := proc.StartDetached("/bin/sleep", []string{"31301"}, "")
	require.NoError(t, err)
	defer proc.TerminateTree(stray.Pid, time.Second, nil)

	// Younger than the cutoff: it belongs to a live service.
	assert.Zero(t, w.killStrayWorkers(time.Now().Add(-time.Minute)))
	assert.Equal(t, proc.Alive, proc.Check(stray.Pid))

	// Older than the cutoff: killed.
	assert.Equal(t, 1, w.killStrayWorkers(time.Now().Add(time.Minute)))
	assert.NotEqual(t, proc.Alive, proc.Check(stray.Pid))
}
