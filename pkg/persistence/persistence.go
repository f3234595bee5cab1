package persistence

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/processfile"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/servicemanager"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/statestore"
)

// schemaVersion tags the persisted state layout.
const schemaVersion = "3.0.0"

// defaultLaunchDelay spaces restored launches out so slow hardware
// services never race each other's device setup.
const defaultLaunchDelay = time.Second

// State is the persisted run-state snapshot.
type State struct {
	Timestamp       string   `json:"timestamp"`
	RunningServices []string `json:"running_services"`
	ManuallyStopped []string `json:"manually_stopped"`
	Version         string   `json:"version"`
}

// Manager saves and restores which services run across supervisor and
// host restarts, and owns the manual-stop intent flags.
type Manager struct {
	stateFile   string
	eventLog    string
	basePath    string
	scripts     map[string]string
	files       *processfile.ProcessFileManager
	runner      servicemanager.ScriptRunner
	logger      logging.Logger
	launchDelay time.Duration

	mu     sync.Mutex
	failed map[string]struct{}
}

// Options configures a persistence Manager.
type Options struct {
	StateFile string
	EventLog  string
	BasePath  string
	// Scripts maps each service name to its management script path,
	// relative to BasePath.
	Scripts     map[string]string
	Files       *processfile.ProcessFileManager
	Runner      servicemanager.ScriptRunner
	Logger      logging.Logger
	LaunchDelay time.Duration
}

func NewManager(opts Options) *Manager {
	if opts.Runner == nil {
		opts.Runner = servicemanager.NewScriptRunner()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNullLogger()
	}
	if opts.LaunchDelay <= 0 {
		opts.LaunchDelay = defaultLaunchDelay
	}
	return &Manager{
		stateFile:   opts.StateFile,
		eventLog:    opts.EventLog,
		basePath:    opts.BasePath,
		scripts:     opts.Scripts,
		files:       opts.Files,
		runner:      opts.Runner,
		logger:      opts.Logger,
		launchDelay: opts.LaunchDelay,
		failed:      make(map[string]struct{}),
	}
}

// SaveState persists the running set. When manuallyStopped is nil the
// previously persisted manual-stop set is preserved, so a routine
// snapshot never erases operator intent.
func (m *Manager) SaveState(running []string, manuallyStopped []string) error {
	finalManual := manuallyStopped
	if finalManual == nil {
		finalManual = m.ManuallyStopped()
	}

	state := State{
		Timestamp:       time.Now().Format(time.RFC3339),
		RunningServices: sortedCopy(running),
		ManuallyStopped: sortedCopy(finalManual),
		Version:         schemaVersion,
	}
	if err := statestore.WriteJSON(m.stateFile, &state); err != nil {
		return err
	}
	m.logger.Infof("Service state saved, running=%v manually_stopped=%v", state.RunningServices, state.ManuallyStopped)
	return nil
}

// LoadState returns the persisted running set. Missing or corrupt state
// means an empty set, never an error: restoration must proceed.
func (m *Manager) LoadState() []string {
	var state State
	if err := statestore.ReadJSON(m.stateFile, &state); err != nil {
		if !errors.IsNotFound(err) {
			m.logger.Warnf("Service state unreadable, starting fresh: %v", err)
		}
		return nil
	}
	return state.RunningServices
}

// ManuallyStopped returns the persisted manual-stop set.
func (m *Manager) ManuallyStopped() []string {
	var state State
	if err := statestore.ReadJSON(m.stateFile, &state); err != nil {
		return nil
	}
	return state.ManuallyStopped
}

// IsManuallyStopped reports whether an operator stopped this service on
// purpose. This is the single authority consulted before any automatic
// start or correction.
func (m *Manager) IsManuallyStopped(service string) bool {
	for _, name := range m.ManuallyStopped() {
		if name == service {
			return true
		}
	}
	return false
}

// CurrentlyRunning detects which known services run right now, via PID
// files with liveness verification.
func (m *Manager) CurrentlyRunning() []string {
	var running []string
	for service := range m.scripts {
		if _, ok := m.files.AlivePID(service); ok {
			running = append(running, service)
		}
	}
	return sortedCopy(running)
}

// MarkManuallyStopped records operator intent to keep a service down.
func (m *Manager) MarkManuallyStopped(service string) error {
	manual := appendUnique(m.ManuallyStopped(), service)
	m.LogEvent(service, "MARKED_STOPPED", "operator stop request", true)
	return m.SaveState(m.CurrentlyRunning(), manual)
}

// MarkManuallyStarted clears manual-stop intent and the failed marker,
// re-arming automatic restoration for the service.
func (m *Manager) MarkManuallyStarted(service string) error {
	manual := removeValue(m.ManuallyStopped(), service)

	m.mu.Lock()
	delete(m.failed, service)
	m.mu.Unlock()

	m.LogEvent(service, "MARKED_STARTED", "operator start request", true)
	return m.SaveState(m.CurrentlyRunning(), manual)
}

// Restore brings back previously running services. With forceAll, every
// known service except the manually stopped ones is targeted. Services
// that failed a previous restoration are skipped until manually started.
// Afterwards the state file is rewritten from the actual observed set,
// so it self-corrects no matter what the launches did.
func (m *Manager) Restore(forceAll bool) ([]string, error) {
	manual := toSet(m.ManuallyStopped())

	var target map[string]struct{}
	if forceAll {
		target = make(map[string]struct{}, len(m.scripts))
		for service := range m.scripts {
			if _, stopped := manual[service]; !stopped {
				target[service] = struct{}{}
			}
		}
		m.logger.Infof("Restoring all services except manually stopped: %v", setNames(manual))
	} else {
		target = make(map[string]struct{})
		for _, service := range m.LoadState() {
			if _, stopped := manual[service]; !stopped {
				target[service] = struct{}{}
			}
		}
	}

	running := toSet(m.CurrentlyRunning())
	var toRestore []string
	for service := range target {
		if _, alive := running[service]; !alive {
			toRestore = append(toRestore, service)
		}
	}
	sort.Strings(toRestore)

	if len(toRestore) == 0 {
		m.logger.Infof("No services to restore, running=%v", setNames(running))
		return nil, nil
	}
	m.logger.Infof("Restoring services: %v", toRestore)

	var restored []string
	collection := errors.NewErrorCollection()
	for i, service := range toRestore {
		if i > 0 {
			time.Sleep(m.launchDelay)
		}

		if m.hasFailed(service) {
			m.logger.Warnf("Skipping %s, previous restoration failed, manual start required", service)
			m.LogEvent(service, "AUTO_START_SKIPPED", "previous failure, manual start required", true)
			continue
		}

		if err := m.restoreSingle(service); err != nil {
			m.markFailed(service)
			m.LogEvent(service, "AUTO_START_FAILED", "automatic restoration failed", false)
			m.logger.Errorf("Failed to restore %s: %v", service, err)
			collection.Add(err)
			continue
		}

		restored = append(restored, service)
		m.clearFailed(service)
		m.LogEvent(service, "AUTO_STARTED", "automatic restoration", true)
	}

	// Re-snapshot from reality, not from intent.
	finalRunning := m.CurrentlyRunning()
	if err := m.SaveState(finalRunning, nil); err != nil {
		collection.Add(err)
	}
	m.logger.Infof("Restoration complete, running=%v", finalRunning)
	return restored, collection.ToError()
}

func (m *Manager) restoreSingle(service string) error {
	script, ok := m.scripts[service]
	if !ok {
		return errors.NewNotFoundError("no management script for service", nil).WithContext("service", service)
	}

	fullPath := script
	if !filepath.IsAbs(script) {
		fullPath = filepath.Join(m.basePath, script)
	}
	if _, err := os.Stat(fullPath); err != nil {
		return errors.NewNotFoundError("management script not found", err).WithContext("path", fullPath)
	}
	return m.runner.Run(fullPath, "start", m.basePath, servicemanager.DefaultScriptTimeout)
}

// UpdateRunningServices re-snapshots the persisted running set from the
// currently observed one.
func (m *Manager) UpdateRunningServices() error {
	return m.SaveState(m.CurrentlyRunning(), nil)
}

// ClearState removes the persisted state entirely.
func (m *Manager) ClearState() error {
	return statestore.RemoveIfExists(m.stateFile)
}

func (m *Manager) hasFailed(service string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.failed[service]
	return ok
}

func (m *Manager) markFailed(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[service] = struct{}{}
}

func (m *Manager) clearFailed(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failed, service)
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func appendUnique(values []string, value string) []string {
	for _, v := range values {
		if v == value {
			return values
		}
	}
	return append(values, value)
}

func removeValue(values []string, value string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func setNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
