package servicemanager

import (
	"sort"
	"sync"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/proc"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/processfile"
)

// ServiceStatus is a point-in-time view of one service.
type ServiceStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Tracked bool   `json:"tracked"`
}

// Manager starts, stops and inspects installation services. Starting a
// running service stops the old instance and launches a fresh one;
// stopping a stopped service succeeds without side effects.
type Manager struct {
	files  *processfile.ProcessFileManager
	runner ScriptRunner
	logger logging.Logger

	mu       sync.Mutex
	services map[string]ServiceDescriptor
	handles  map[string]ProcessHandle
	pending  map[string]bool
}

func NewManager(files *processfile.ProcessFileManager, runner ScriptRunner, logger logging.Logger) *Manager {
	if runner == nil {
		runner = NewScriptRunner()
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Manager{
		files:    files,
		runner:   runner,
		logger:   logger,
		services: make(map[string]ServiceDescriptor),
		handles:  make(map[string]ProcessHandle),
		pending:  make(map[string]bool),
	}
}

// AddService registers a descriptor. Adding the same name twice is a
// conflict.
func (m *Manager) AddService(d ServiceDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.services[d.Name]; exists {
		return errors.NewConflictError("service already registered", nil).WithContext("service", d.Name)
	}
	m.services[d.Name] = d
	return nil
}

// Services returns the registered service names, sorted.
func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptor returns the registered descriptor for a service.
func (m *Manager) Descriptor(name string) (ServiceDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.services[name]
	return d, ok
}

type startPlan struct {
	descriptor ServiceDescriptor
	existing   ProcessHandle
}

// Start launches a service with restart semantics: a tracked live
// instance is stopped first and a fresh process always comes up. Stray
// duplicate instances from other supervisors are purged before the
// launch.
func (m *Manager) Start(name string) error {
	plan, err := m.planStart(name)
	if err != nil {
		return err
	}
	defer m.clearPending(name)

	d := plan.descriptor

	if d.Delegated() {
		m.logger.Infof("Starting %s via management script %s", name, d.ManageScript)
		if err := m.runner.Run(d.ManageScript, "start", d.WorkDir, DefaultScriptTimeout); err != nil {
			return errors.NewProcessError("failed to start delegated service", err).WithContext("service", name)
		}
		return nil
	}

	if plan.existing != nil {
		m.logger.Infof("Service %s already running (pid %d), restarting", name, plan.existing.PID())
		if err := plan.existing.Terminate(d.stopTimeout()); err != nil {
			return errors.NewProcessError("failed to stop running instance before restart", err).
				WithContext("service", name).WithContext("pid", plan.existing.PID())
		}
		m.files.RemovePIDFile(name)
	}

	if killed := proc.KillByPatterns(d.ScriptPatterns, 0, d.stopTimeout(), m.logger); killed > 0 {
		m.logger.Warnf("Purged %d duplicate instance(s) of %s before start", killed, name)
	}

	process, err := proc.StartDetached(d.Command[0], d.Command[1:], d.WorkDir)
	if err != nil {
		return errors.NewProcessError("failed to start service", err).WithContext("service", name)
	}

	if err := m.files.WritePIDFile(name, process.Pid); err != nil {
		m.logger.Warnf("Failed to write PID file for %s: %v", name, err)
	}

	handle := newOwnedChildProcess(process, m.logger)
	m.mu.Lock()
	m.handles[name] = handle
	m.mu.Unlock()

	m.logger.Infof("Started service %s (pid %d)", name, process.Pid)
	return nil
}

func (m *Manager) planStart(name string) (startPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.services[name]
	if !ok {
		return startPlan{}, errors.NewNotFoundError("unknown service", nil).WithContext("service", name)
	}
	if m.pending[name] {
		return startPlan{}, errors.NewConflictError("service operation already in progress", nil).WithContext("service", name)
	}
	m.pending[name] = true
	return startPlan{descriptor: d, existing: m.resolveHandleLocked(name, d)}, nil
}

func (m *Manager) clearPending(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, name)
}

type stopPlan struct {
	descriptor ServiceDescriptor
	handle     ProcessHandle
}

// Stop terminates a service. Stopping a stopped service succeeds.
func (m *Manager) Stop(name string) error {
	plan, err := m.planStop(name)
	if err != nil {
		return err
	}
	defer m.clearPending(name)

	d := plan.descriptor

	if d.Delegated() {
		m.logger.Infof("Stopping %s via management script %s", name, d.ManageScript)
		if err := m.runner.Run(d.ManageScript, "stop", d.WorkDir, DefaultScriptTimeout); err != nil {
			return errors.NewProcessError("failed to stop delegated service", err).WithContext("service", name)
		}
		return nil
	}

	if plan.handle == nil {
		m.logger.Infof("Service %s is not running, nothing to stop", name)
		return nil
	}

	pid := plan.handle.PID()
	if err := plan.handle.Terminate(d.stopTimeout()); err != nil {
		return errors.NewProcessError("failed to stop service", err).
			WithContext("service", name).WithContext("pid", pid)
	}

	m.files.RemovePIDFile(name)
	m.mu.Lock()
	delete(m.handles, name)
	m.mu.Unlock()

	m.logger.Infof("Stopped service %s (pid %d)", name, pid)
	return nil
}

func (m *Manager) planStop(name string) (stopPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.services[name]
	if !ok {
		return stopPlan{}, errors.NewNotFoundError("unknown service", nil).WithContext("service", name)
	}
	if m.pending[name] {
		return stopPlan{}, errors.NewConflictError("service operation already in progress", nil).WithContext("service", name)
	}
	m.pending[name] = true
	return stopPlan{descriptor: d, handle: m.resolveHandleLocked(name, d)}, nil
}

// resolveHandleLocked finds something stoppable for the service: the
// tracked handle, a handle adopted from the PID file, or one adopted from
// a process-table scan. Dead or zombie tracked handles are dropped.
func (m *Manager) resolveHandleLocked(name string, d ServiceDescriptor) ProcessHandle {
	if handle, ok := m.handles[name]; ok {
		if handle.Liveness() == proc.Alive {
			return handle
		}
		m.logger.Warnf("Dropping dead handle for %s (pid %d)", name, handle.PID())
		delete(m.handles, name)
	}

	if pid, ok := m.files.AlivePID(name); ok {
		m.logger.Infof("Adopting %s from PID file (pid %d)", name, pid)
		return newAdoptedProcess(pid, m.logger)
	}

	for _, match := range proc.FindByPatterns(d.ScriptPatterns) {
		if proc.Check(match.PID) == proc.Alive {
			m.logger.Infof("Adopting %s from process table (pid %d)", name, match.PID)
			return newAdoptedProcess(match.PID, m.logger)
		}
	}
	return nil
}

// IsRunning resolves the service's running state through three tiers:
// the tracked handle, the PID file, then a process-table pattern scan.
// A zombie at any tier counts as not running.
func (m *Manager) IsRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.services[name]
	if !ok {
		return false
	}
	return m.isRunningLocked(name, d)
}

func (m *Manager) isRunningLocked(name string, d ServiceDescriptor) bool {
	if handle, ok := m.handles[name]; ok {
		switch handle.Liveness() {
		case proc.Alive:
			return true
		case proc.Zombie:
			m.logger.Warnf("Tracked process for %s is a zombie (pid %d), dropping handle", name, handle.PID())
			delete(m.handles, name)
		default:
			delete(m.handles, name)
		}
	}

	if pid, ok := m.files.AlivePID(name); ok {
		if !d.Delegated() {
			m.handles[name] = newAdoptedProcess(pid, m.logger)
		}
		return true
	}

	// The manager may have restarted while children kept running, so
	// liveness must be reconstructable from the process table alone.
	for _, match := range proc.FindByPatterns(d.ScriptPatterns) {
		if proc.Check(match.PID) == proc.Alive {
			if !d.Delegated() {
				m.logger.Infof("Re-adopting %s from process table (pid %d)", name, match.PID)
				m.handles[name] = newAdoptedProcess(match.PID, m.logger)
			}
			return true
		}
	}
	return false
}

// PID returns the best-known pid for a service, or 0.
func (m *Manager) PID(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if handle, ok := m.handles[name]; ok && handle.Liveness() == proc.Alive {
		return handle.PID()
	}
	if pid, ok := m.files.AlivePID(name); ok {
		return pid
	}
	return 0
}

// StatusAll reports the status of every registered service.
func (m *Manager) StatusAll() map[string]ServiceStatus {
	m.mu.Lock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.Unlock()

	statuses := make(map[string]ServiceStatus, len(names))
	for _, name := range names {
		m.mu.Lock()
		d := m.services[name]
		running := m.isRunningLocked(name, d)
		_, tracked := m.handles[name]
		m.mu.Unlock()

		status := ServiceStatus{Name: name, Running: running, Tracked: tracked}
		if running {
			status.PID = m.PID(name)
		}
		statuses[name] = status
	}
	return statuses
}

// StopAll stops every registered service, collecting failures so one bad
// service never blocks the rest.
func (m *Manager) StopAll() error {
	collection := errors.NewErrorCollection()
	for _, name := range m.Services() {
		if err := m.Stop(name); err != nil {
			m.logger.Errorf("Failed to stop %s: %v", name, err)
			collection.Add(err)
		}
	}
	return collection.ToError()
}

// RunningServices returns the names of all currently running services.
func (m *Manager) RunningServices() []string {
	var running []string
	for _, name := range m.Services() {
		if m.IsRunning(name) {
			running = append(running, name)
		}
	}
	return running
}

// WaitStopped blocks until the service is no longer running or the
// timeout passes.
func (m *Manager) WaitStopped(name string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !m.IsRunning(name) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !m.IsRunning(name)
}
