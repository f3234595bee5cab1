package supervisor

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/servicemanager"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/watchdog"
)

// Config is the daemon's YAML configuration.
type Config struct {
	// BasePath is the installation root holding scripts, per-service
	// config files and the persisted service state.
	BasePath string `yaml:"base_path"`

	// TmpDir holds PID files, lock files and the performance flag.
	TmpDir string `yaml:"tmp_dir"`

	StateFile string `yaml:"state_file"`
	EventLog  string `yaml:"event_log"`
	LogLevel  string `yaml:"log_level"`

	// ForceAllServices starts every non-manually-stopped service at
	// boot instead of only the previously running set.
	ForceAllServices bool `yaml:"force_all_services"`

	Services []servicemanager.ServiceDescriptor `yaml:"services"`

	Protection ProtectionConfig `yaml:"protection"`
	Watchdog   watchdog.Config  `yaml:"watchdog"`
}

// ProtectionConfig tunes the protection loop.
type ProtectionConfig struct {
	Interval      time.Duration `yaml:"interval"`
	LEDStatusFile string        `yaml:"led_status_file"`
}

// LoadConfigFromFile reads and parses the YAML configuration, applying
// defaults for everything left unset.
func LoadConfigFromFile(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to read config file", err).WithContext("config_file", configFile)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse config file", err).WithContext("config_file", configFile)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// defaultServices is the installation's standard service set.
func defaultServices() []servicemanager.ServiceDescriptor {
	services := []struct {
		name        string
		defaultMode string
	}{
		{"fan", "Fixed"},
		{"broadcast", "Auto"},
		{"mixing", "Manual"},
		{"radio", "Auto"},
		{"led", "Manual LED"},
	}

	descriptors := make([]servicemanager.ServiceDescriptor, 0, len(services))
	for _, s := range services {
		descriptors = append(descriptors, servicemanager.ServiceDescriptor{
			Name:           s.name,
			ManageScript:   filepath.Join("scripts", "manage_"+s.name+"_service.sh"),
			ScriptPatterns: []string{s.name + "_service"},
			DefaultMode:    s.defaultMode,
		})
	}
	return descriptors
}

func setConfigDefaults(config *Config) {
	if config.BasePath == "" {
		config.BasePath = "/opt/cos"
	}
	if config.TmpDir == "" {
		config.TmpDir = os.TempDir()
	}
	if config.StateFile == "" {
		config.StateFile = filepath.Join(config.BasePath, "cos_service_state.json")
	}
	if config.EventLog == "" {
		config.EventLog = filepath.Join(config.BasePath, "service_events.log")
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if len(config.Services) == 0 {
		config.Services = defaultServices()
	}
	if config.Protection.Interval <= 0 {
		config.Protection.Interval = 4 * time.Minute
	}
	if config.Protection.LEDStatusFile == "" {
		config.Protection.LEDStatusFile = filepath.Join(config.BasePath, "led", "led_status.json")
	}
	if config.Watchdog.TempDir == "" {
		config.Watchdog.TempDir = config.TmpDir
	}
	if config.Watchdog.HealthFile == "" {
		config.Watchdog.HealthFile = filepath.Join(config.TmpDir, "cos_health.json")
	}
}

// ValidateConfig rejects configurations the daemon cannot run with.
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("config cannot be nil", nil)
	}

	seen := make(map[string]bool, len(config.Services))
	for _, d := range config.Services {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Name] {
			return errors.NewValidationError("duplicate service name", nil).WithContext("service", d.Name)
		}
		seen[d.Name] = true
	}

	wcfg := config.Watchdog
	wcfg.CheckInterval = maxDuration(wcfg.CheckInterval, time.Second)
	if err := wcfg.Validate(); err != nil {
		return err
	}
	return nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
