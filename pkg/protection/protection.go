package protection

import (
	"os"
	"path/filepath"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/lockfile"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/serviceconfig"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/servicemanager"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/statestore"
)

const (
	lockFileName     = "cos_protection.lock"
	flagFileName     = "cos_performance_mode_active"
	snapshotFileName = "cos_service_protection.json"

	// ambientLEDMode is what the LED service switches to when a
	// performance ends, so it never resumes an audio-coupled mode.
	ambientLEDMode = "Lux sensor"

	disabledMode = "Disable"
)

// performanceLEDModes are the LED modes that mean a live performance is
// in progress.
var performanceLEDModes = map[string]bool{
	"Musical LED": true,
	"Manual LED":  true,
}

// ManualIntent answers whether an operator deliberately stopped a
// service. The persistence layer is the single authority for this.
type ManualIntent interface {
	IsManuallyStopped(service string) bool
}

// ServiceState is the per-service protection record, persisted for the
// dashboard and for out-of-process monitors.
type ServiceState struct {
	Protected         bool   `json:"protected"`
	OriginalMode      string `json:"original_mode,omitempty"`
	ForcedStopAllowed bool   `json:"forced_stop_allowed"`
	Reason            string `json:"reason,omitempty"`
	LastCheck         string `json:"last_check,omitempty"`
	ManualStop        bool   `json:"manual_stop"`
}

// Snapshot is the persisted protection state.
type Snapshot struct {
	Timestamp       string                   `json:"timestamp"`
	PerformanceMode bool                     `json:"performance_mode_active"`
	Services        map[string]*ServiceState `json:"services"`
}

// Options configures a protection Manager.
type Options struct {
	// TmpDir holds the lock file, the performance-mode flag file and
	// the protection snapshot.
	TmpDir   string
	BasePath string

	// DefaultModes maps each protected service to the operating mode
	// restored after a stray Disable.
	DefaultModes map[string]string

	// Scripts maps each protected service to its management script,
	// relative to BasePath, used for corrective restarts.
	Scripts map[string]string

	// LEDStatusFile is the LED service's live status JSON; its mode is
	// the primary performance-mode signal.
	LEDStatusFile string

	Config *serviceconfig.Store
	Intent ManualIntent
	Runner servicemanager.ScriptRunner
	Logger logging.Logger

	LockStaleAfter time.Duration
}

// Manager reconciles protected services once per cycle, under an
// advisory lock so cron one-shots and the daemon never act in the same
// tick.
type Manager struct {
	opts Options
	lock *lockfile.Lock

	flagFile     string
	snapshotFile string
	logger       logging.Logger
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.NewNullLogger()
	}
	if opts.Runner == nil {
		opts.Runner = servicemanager.NewScriptRunner()
	}
	if opts.LockStaleAfter <= 0 {
		opts.LockStaleAfter = lockfile.DefaultStaleAfter
	}
	return &Manager{
		opts:         opts,
		lock:         lockfile.New(filepath.Join(opts.TmpDir, lockFileName), opts.LockStaleAfter, opts.Logger),
		flagFile:     filepath.Join(opts.TmpDir, flagFileName),
		snapshotFile: filepath.Join(opts.TmpDir, snapshotFileName),
		logger:       opts.Logger,
	}
}

// FlagFilePath returns the performance-mode flag file path.
func (m *Manager) FlagFilePath() string {
	return m.flagFile
}

// SnapshotFilePath returns the protection snapshot path.
func (m *Manager) SnapshotFilePath() string {
	return m.snapshotFile
}

// RunCycle executes one reconciliation pass. When another actor holds
// the lock the cycle is skipped entirely; acting without the lock is
// never allowed.
func (m *Manager) RunCycle() error {
	acquired, err := m.lock.TryAcquire()
	if err != nil {
		return err
	}
	if !acquired {
		m.logger.Debugf("Protection lock held by pid %d, skipping cycle", m.lock.HolderPID())
		return nil
	}
	defer m.lock.Release()

	snapshot := m.loadSnapshot()
	wasActive := snapshot.PerformanceMode || m.flagFileExists()
	isActive := m.performanceModeActive()

	collection := errors.NewErrorCollection()
	now := time.Now().Format(time.RFC3339)

	switch {
	case isActive:
		// A live performance: affected services may be deliberately
		// stopped, and nobody is allowed to restart them.
		for service, state := range snapshot.Services {
			if service == "led" || !state.Protected {
				continue
			}
			if !state.ForcedStopAllowed {
				if mode, err := m.opts.Config.Mode(service); err == nil {
					state.OriginalMode = mode
				}
			}
			state.ForcedStopAllowed = true
			state.Reason = "performance mode active"
			state.LastCheck = now
		}
		if err := m.createFlagFile(); err != nil {
			collection.Add(err)
		}

	case wasActive:
		// The performance just ended. Drop the back-off flag, re-arm
		// protection and move the LEDs to an ambient mode.
		m.logger.Infof("Performance mode ended, re-arming service protection")
		if err := os.Remove(m.flagFile); err != nil && !os.IsNotExist(err) {
			collection.Add(errors.NewIOError("failed to remove performance flag", err).WithContext("path", m.flagFile))
		}
		for _, state := range snapshot.Services {
			state.ForcedStopAllowed = false
			state.Reason = "performance mode ended"
			state.LastCheck = now
		}
		if err := m.opts.Config.SetMode("led", ambientLEDMode, "performance mode ended"); err != nil {
			collection.Add(err)
		}
		collection.Add(m.correctStrayDisables(snapshot, now))

	default:
		collection.Add(m.correctStrayDisables(snapshot, now))
	}

	snapshot.PerformanceMode = isActive
	snapshot.Timestamp = now
	m.refreshManualStopCopies(snapshot)
	if err := statestore.WriteJSON(m.snapshotFile, snapshot); err != nil {
		collection.Add(err)
	}
	return collection.ToError()
}

// correctStrayDisables restores any protected service left in Disable
// mode without permission, and restarts it.
func (m *Manager) correctStrayDisables(snapshot *Snapshot, now string) error {
	collection := errors.NewErrorCollection()
	for service, state := range snapshot.Services {
		state.LastCheck = now
		if !state.Protected || state.ForcedStopAllowed {
			continue
		}
		if m.opts.Intent != nil && m.opts.Intent.IsManuallyStopped(service) {
			continue
		}

		mode, err := m.opts.Config.Mode(service)
		if err != nil || mode != disabledMode {
			continue
		}

		restoreMode := state.OriginalMode
		if restoreMode == "" || restoreMode == disabledMode {
			restoreMode = m.opts.DefaultModes[service]
		}
		if restoreMode == "" {
			continue
		}

		m.logger.Warnf("Service %s left in Disable mode without permission, restoring %q", service, restoreMode)
		if err := m.opts.Config.SetMode(service, restoreMode, "stray Disable corrected"); err != nil {
			collection.Add(err)
			continue
		}
		state.Reason = "stray Disable corrected"

		if err := m.restartService(service); err != nil {
			m.logger.Errorf("Corrective restart of %s failed: %v", service, err)
			collection.Add(err)
		}
	}
	return collection.ToError()
}

func (m *Manager) restartService(service string) error {
	script, ok := m.opts.Scripts[service]
	if !ok {
		return errors.NewNotFoundError("no management script for service", nil).WithContext("service", service)
	}
	if !filepath.IsAbs(script) {
		script = filepath.Join(m.opts.BasePath, script)
	}
	return m.opts.Runner.Run(script, "restart", m.opts.BasePath, servicemanager.DefaultScriptTimeout)
}

// performanceModeActive inspects the LED service: its live status is
// authoritative, its config is the fallback.
func (m *Manager) performanceModeActive() bool {
	var status map[string]interface{}
	if err := statestore.ReadJSON(m.opts.LEDStatusFile, &status); err == nil {
		if mode, ok := status["mode"].(string); ok && mode != "" {
			return performanceLEDModes[serviceconfig.LEDDisplayMode(mode)]
		}
	}

	mode, err := m.opts.Config.Mode("led")
	if err != nil {
		return false
	}
	return performanceLEDModes[mode]
}

// Protect re-enables automatic protection for a service.
func (m *Manager) Protect(service string) error {
	return m.setProtected(service, true)
}

// Unprotect is the explicit operator override that keeps the manager's
// hands off a service.
func (m *Manager) Unprotect(service string) error {
	return m.setProtected(service, false)
}

func (m *Manager) setProtected(service string, protected bool) error {
	if _, known := m.opts.DefaultModes[service]; !known {
		return errors.NewNotFoundError("unknown protected service", nil).WithContext("service", service)
	}
	snapshot := m.loadSnapshot()
	state := snapshot.Services[service]
	state.Protected = protected
	state.LastCheck = time.Now().Format(time.RFC3339)
	if protected {
		state.Reason = "operator enabled protection"
	} else {
		state.Reason = "operator disabled protection"
	}
	return statestore.WriteJSON(m.snapshotFile, snapshot)
}

// Status returns the current persisted protection snapshot.
func (m *Manager) Status() *Snapshot {
	return m.loadSnapshot()
}

// loadSnapshot reads the persisted snapshot, filling in default states
// for every configured service.
func (m *Manager) loadSnapshot() *Snapshot {
	snapshot := &Snapshot{}
	statestore.ReadJSONOrDefault(m.snapshotFile, snapshot, func() {
		*snapshot = Snapshot{}
	})
	if snapshot.Services == nil {
		snapshot.Services = make(map[string]*ServiceState)
	}
	for service := range m.opts.DefaultModes {
		if _, ok := snapshot.Services[service]; !ok {
			snapshot.Services[service] = &ServiceState{Protected: true}
		}
	}
	return snapshot
}

func (m *Manager) refreshManualStopCopies(snapshot *Snapshot) {
	if m.opts.Intent == nil {
		return
	}
	for service, state := range snapshot.Services {
		state.ManualStop = m.opts.Intent.IsManuallyStopped(service)
	}
}

func (m *Manager) flagFileExists() bool {
	_, err := os.Stat(m.flagFile)
	return err == nil
}

func (m *Manager) createFlagFile() error {
	if m.flagFileExists() {
		return nil
	}
	content := "performance mode active since " + time.Now().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(m.flagFile, []byte(content), 0o644); err != nil {
		return errors.NewIOError("failed to create performance flag", err).WithContext("path", m.flagFile)
	}
	m.logger.Infof("Performance mode active, created flag file")
	return nil
}
