package servicemanager

import (
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
)

// DefaultStopTimeout bounds the graceful-termination wait before a stop
// escalates to SIGKILL.
const DefaultStopTimeout = 5 * time.Second

// ServiceDescriptor declares how one installation service is launched,
// identified in the process table, and stopped.
type ServiceDescriptor struct {
	// Name is the service identity used in PID files and state files.
	Name string `yaml:"name"`

	// Command is the argv to launch; empty when the service is fully
	// delegated to a management script.
	Command []string `yaml:"command,omitempty"`

	// WorkDir is the working directory for launches.
	WorkDir string `yaml:"work_dir,omitempty"`

	// ManageScript, when set, delegates start/stop/status to an external
	// script taking a single verb argument. Delegated services are never
	// tracked in the manager's registry.
	ManageScript string `yaml:"manage_script,omitempty"`

	// ScriptPatterns are command-line substrings identifying instances of
	// this service in the process table, used for duplicate purges and
	// last-resort running checks.
	ScriptPatterns []string `yaml:"script_patterns,omitempty"`

	// DefaultMode is the operating mode the protection layer restores
	// when the service's configuration was corrupted.
	DefaultMode string `yaml:"default_mode,omitempty"`

	// StatusFile is the service's own status JSON, when it publishes one.
	StatusFile string `yaml:"status_file,omitempty"`

	// StopTimeout overrides the graceful-termination wait.
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`
}

// Delegated reports whether the service is controlled only through its
// management script.
func (d ServiceDescriptor) Delegated() bool {
	return d.ManageScript != ""
}

func (d ServiceDescriptor) stopTimeout() time.Duration {
	if d.StopTimeout > 0 {
		return d.StopTimeout
	}
	return DefaultStopTimeout
}

// Validate checks that the descriptor can actually be acted on.
func (d ServiceDescriptor) Validate() error {
	if d.Name == "" {
		return errors.NewValidationError("service name cannot be empty", nil)
	}
	if len(d.Command) == 0 && !d.Delegated() {
		return errors.NewValidationError("service needs a command or a manage script", nil).
			WithContext("service", d.Name)
	}
	return nil
}
