package protection

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/lockfile"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/serviceconfig"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/statestore"
)

type fakeIntent struct {
	stopped map[string]bool
}

func (f *fakeIntent) IsManuallyStopped(service string) bool {
	return f.stopped[service]
}

type restartRecorder struct {
	mu       sync.Mutex
	restarts []string
}

func (r *restartRecorder) Run(script, verb, workDir string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts = append(r.restarts, filepath.Base(script)+" "+verb)
	return nil
}

func (r *restartRecorder) Restarts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.restarts...)
}

type protEnv struct {
	manager *Manager
	config  *serviceconfig.Store
	runner  *restartRecorder
	intent  *fakeIntent
	tmpDir  string
	base    string
}

func newProtEnv(t *testing.T) *protEnv {
	base := t.TempDir()
	tmpDir := t.TempDir()
	config := serviceconfig.NewStore(base, nil)
	runner := &restartRecorder{}
	intent := &fakeIntent{stopped: make(map[string]bool)}

	manager := NewManager(Options{
		TmpDir:   tmpDir,
		BasePath: base,
		DefaultModes: map[string]string{
			"fan":       "Fixed",
			"broadcast": "Auto",
			"mixing":    "Manual",
			"radio":     "Auto",
			"led":       "Manual LED",
		},
		Scripts: map[string]string{
			"fan":       "scripts/manage_fan_service.sh",
			"broadcast": "scripts/manage_broadcast_service.sh",
			"mixing":    "scripts/manage_mixing_service.sh",
			"radio":     "scripts/manage_radio_service.sh",
			"led":       "scripts/manage_led_service.sh",
		},
		LEDStatusFile: filepath.Join(base, "led", "led_status.json"),
		Config:        config,
		Intent:        intent,
		Runner:        runner,
	})
	return &protEnv{manager: manager, config: config, runner: runner, intent: intent, tmpDir: tmpDir, base: base}
}

func (e *protEnv) setLEDStatus(t *testing.T, mode string) {
	require.NoError(t, statestore.WriteJSON(filepath.Join(e.base, "led", "led_status.json"), map[string]string{"mode": mode}))
}

func (e *protEnv) setModes(t *testing.T, modes map[string]string) {
	for service, mode := range modes {
		require.NoError(t, e.config.SetMode(service, mode, "test setup"))
	}
}

func (e *protEnv) flagExists() bool {
	_, err := os.Stat(e.manager.FlagFilePath())
	return err == nil
}

func TestCycleSkippedWhenLockHeld(t *testing.T) {
	env := newProtEnv(t)
	env.setModes(t, map[string]string{"fan": "Disable"})

	other := lockfile.New(filepath.Join(env.tmpDir, "cos_protection.lock"), 30*time.Second, nil)
	acquired, err := other.TryAcquire()
	require.NoError(t, err)
	require.True(t, acquired)
	defer other.Release()

	require.NoError(t, env.manager.RunCycle())
	assert.Empty(t, env.runner.Restarts(), "no action may happen without the lock")
}

func TestLockReleasedAfterCycle(t *testing.T) {
	env := newProtEnv(t)
	require.NoError(t, env.manager.RunCycle())
	require.NoError(t, env.manager.RunCycle())
}

func TestStrayDisableIsCorrected(t *testing.T) {
	env := newProtEnv(t)
	env.setModes(t, map[string]string{"fan": "Disable", "radio": "Auto"})

	require.NoError(t, env.manager.RunCycle())

	mode, err := env.config.Mode("fan")
	require.NoError(t, err)
	assert.Equal(t, "Fixed", mode)
	assert.Equal(t, []string{"manage_fan_service.sh restart"}, env.runner.Restarts())

	// Untouched service keeps its mode.
	mode, err = env.config.Mode("radio")
	require.NoError(t, err)
	assert.Equal(t, "Auto", mode)
}

func TestManuallyStoppedServiceIsLeftAlone(t *testing.T) {
	env := newProtEnv(t)
	env.setModes(t, map[string]string{"fan": "Disable"})
	env.intent.stopped["fan"] = true

	require.NoError(t, env.manager.RunCycle())

	mode, err := env.config.Mode("fan")
	require.NoError(t, err)
	assert.Equal(t, "Disable", mode)
	assert.Empty(t, env.runner.Restarts())
}

func TestUnprotectedServiceIsLeftAlone(t *testing.T) {
	env := newProtEnv(t)
	env.setModes(t, map[string]string{"fan": "Disable"})
	require.NoError(t, env.manager.Unprotect("fan"))

	require.NoError(t, env.manager.RunCycle())

	mode, err := env.config.Mode("fan")
	require.NoError(t, err)
	assert.Equal(t, "Disable", mode)
	assert.Empty(t, env.runner.Restarts())
}

func TestPerformanceModeSuppressesRestarts(t *testing.T) {
	env := newProtEnv(t)
	env.setModes(t, map[string]string{"fan": "Disable"})
	env.setLEDStatus(t, "Musical LED")

	require.NoError(t, env.manager.RunCycle())

	// Disabled service must not be corrected during the performance.
	mode, err := env.config.Mode("fan")
	require.NoError(t, err)
	assert.Equal(t, "Disable", mode)
	assert.Empty(t, env.runner.Restarts())
	assert.True(t, env.flagExists(), "flag file must signal external monitors")

	status := env.manager.Status()
	assert.True(t, status.PerformanceMode)
	assert.True(t, status.Services["fan"].ForcedStopAllowed)
	assert.False(t, status.Services["led"].ForcedStopAllowed, "the LED service itself is never force-stopped")
}

func TestPerformanceModeEndReArmsProtection(t *testing.T) {
	env := newProtEnv(t)
	env.setModes(t, map[string]string{"fan": "Disable", "led": "Musical LED"})
	env.setLEDStatus(t, "Musical LED")

	require.NoError(t, env.manager.RunCycle())
	require.True(t, env.flagExists())

	// The performance ends: LED drops out of a performance mode.
	env.setLEDStatus(t, "Lux sensor")
	require.NoError(t, env.config.SetMode("led", "Lux sensor", "test"))

	require.NoError(t, env.manager.RunCycle())

	assert.False(t, env.flagExists(), "flag file must be removed when the performance ends")

	status := env.manager.Status()
	assert.False(t, status.PerformanceMode)
	for service, state := range status.Services {
		assert.False(t, state.ForcedStopAllowed, "forced_stop_allowed must reset for %s", service)
	}

	// The stray Disable left over from the performance is corrected in
	// the same cycle.
	mode, err := env.config.Mode("fan")
	require.NoError(t, err)
	assert.Equal(t, "Fixed", mode)
	assert.Contains(t, env.runner.Restarts(), "manage_fan_service.sh restart")

	// And the LEDs land in the ambient mode.
	mode, err = env.config.Mode("led")
	require.NoError(t, err)
	assert.Equal(t, "Lux sensor", mode)
}

func TestPerformanceModeFallsBackToLEDConfig(t *testing.T) {
	env := newProtEnv(t)
	// No status file at all; config alone marks the performance.
	env.setModes(t, map[string]string{"led": "Manual LED"})

	require.NoError(t, env.manager.RunCycle())
	assert.True(t, env.flagExists())
}

func TestOriginalModeIsPreferredOverDefault(t *testing.T) {
	env := newProtEnv(t)
	env.setModes(t, map[string]string{"fan": "Auto"})
	env.setLEDStatus(t, "Musical LED")

	// During the performance the fan's pre-performance mode (Auto) is
	// recorded.
	require.NoError(t, env.manager.RunCycle())
	env.setModes(t, map[string]string{"fan": "Disable"})

	// Performance ends; restoration must bring back Auto, not the
	// Fixed default.
	env.setLEDStatus(t, "Lux sensor")
	require.NoError(t, env.config.SetMode("led", "Lux sensor", "test"))
	require.NoError(t, env.manager.RunCycle())

	mode, err := env.config.Mode("fan")
	require.NoError(t, err)
	assert.Equal(t, "Auto", mode)
}

func TestProtectUnknownService(t *testing.T) {
	env := newProtEnv(t)
	assert.Error(t, env.manager.Protect("ghost"))
}

func TestSnapshotRecordsManualStops(t *testing.T) {
	env := newProtEnv(t)
	env.intent.stopped["mixing"] = true

	require.NoError(t, env.manager.RunCycle())

	status := env.manager.Status()
	assert.True(t, status.Services["mixing"].ManualStop)
	assert.False(t, status.Services["fan"].ManualStop)
	assert.NotEmpty(t, status.Timestamp)
}

func TestSnapshotSurvivesCorruption(t *testing.T) {
	env := newProtEnv(t)
	require.NoError(t, os.WriteFile(env.manager.SnapshotFilePath(), []byte("{broken"), 0o644))

	require.NoError(t, env.manager.RunCycle())
	status := env.manager.Status()
	for _, state := range status.Services {
		assert.True(t, state.Protected, "defaults must apply after corruption")
	}
}

func TestCycleErrorsDoNotAbortOtherServices(t *testing.T) {
	env := newProtEnv(t)
	env.setModes(t, map[string]string{"fan": "Disable", "mixing": "Disable"})

	require.NoError(t, env.manager.RunCycle())

	restarts := env.runner.Restarts()
	assert.Contains(t, restarts, "manage_fan_service.sh restart")
	assert.Contains(t, restarts, "manage_mixing_service.sh restart")
}
