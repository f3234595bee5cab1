package watchdog

import (
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
)

// Config tunes the watchdog loop. Zero values mean "use the default".
type Config struct {
	CheckInterval time.Duration `yaml:"check_interval"`

	MemoryThreshold      float64 `yaml:"memory_threshold"`
	CPUThreshold         float64 `yaml:"cpu_threshold"`
	DiskThreshold        float64 `yaml:"disk_threshold"`
	TemperatureThreshold float64 `yaml:"temperature_threshold"`
	ErrorCountThreshold  int     `yaml:"error_count_threshold"`

	MaxRestartsPerHour int `yaml:"max_restarts_per_hour"`

	// NetworkCheckFrequency probes connectivity only every Nth cycle;
	// other cycles reuse the cached verdict. Probing is expensive and
	// contends with the interfaces being diagnosed.
	NetworkCheckFrequency int `yaml:"network_check_frequency"`

	// ServiceUnit is the top-level systemd unit the watchdog is allowed
	// to restart. Individual hardware services are out of its hands.
	ServiceUnit string `yaml:"service_unit"`
	HealthURL   string `yaml:"health_url"`

	// HealthFile is where each cycle's snapshot lands for the dashboard.
	HealthFile string `yaml:"health_file"`

	// TempDir is scanned during cleanup passes.
	TempDir string `yaml:"temp_dir"`

	// StrayWorkerPatterns identify supervised worker processes in the
	// process table. The cleanup pass kills matches that have been
	// running longer than two hours outside their manager.
	StrayWorkerPatterns []string `yaml:"stray_worker_patterns"`

	EnableNetworkRecovery  bool `yaml:"enable_network_recovery"`
	EnableHardwareRecovery bool `yaml:"enable_hardware_recovery"`

	WiFiInterface     string `yaml:"wifi_interface"`
	EthernetInterface string `yaml:"ethernet_interface"`
	WPASupplicantConf string `yaml:"wpa_supplicant_conf"`

	// GPIOPin is the hardware-control pin re-exported during GPIO
	// recovery; I2CClockPin carries the bus clock for the 9-pulse
	// unstick sequence.
	GPIOPin      int `yaml:"gpio_pin"`
	I2CClockPin  int `yaml:"i2c_clock_pin"`
	I2CBus       int `yaml:"i2c_bus"`
	// I2CAddresses are the bus addresses that must answer an i2cdetect
	// scan for the hardware self-test to pass (light sensor, FM tuner).
	I2CAddresses []string `yaml:"i2c_addresses"`

	// RecoverySettle is the pause after each recovery step before the
	// result is re-tested. Short in tests, seconds in production.
	RecoverySettle time.Duration `yaml:"recovery_settle"`

	ThermalZonePath string `yaml:"thermal_zone_path"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:          60 * time.Second,
		MemoryThreshold:        85,
		CPUThreshold:           90,
		DiskThreshold:          95,
		TemperatureThreshold:   75,
		ErrorCountThreshold:    10,
		MaxRestartsPerHour:     3,
		NetworkCheckFrequency:  3,
		ServiceUnit:            "cos-control-panel",
		HealthURL:              "http://localhost:5000/exhibition/health",
		HealthFile:             "/tmp/cos_health.json",
		TempDir:                "/tmp",
		EnableNetworkRecovery:  true,
		EnableHardwareRecovery: true,
		WiFiInterface:          "wlan0",
		EthernetInterface:      "eth0",
		WPASupplicantConf:      "/etc/wpa_supplicant/wpa_supplicant.conf",
		GPIOPin:                18,
		I2CClockPin:            3,
		I2CBus:                 1,
		I2CAddresses:           []string{"10", "60"},
		RecoverySettle:         3 * time.Second,
		ThermalZonePath:        "/sys/class/thermal/thermal_zone0/temp",
	}
}

func (c *Config) setDefaults() {
	defaults := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaults.CheckInterval
	}
	if c.MemoryThreshold <= 0 {
		c.MemoryThreshold = defaults.MemoryThreshold
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = defaults.CPUThreshold
	}
	if c.DiskThreshold <= 0 {
		c.DiskThreshold = defaults.DiskThreshold
	}
	if c.TemperatureThreshold <= 0 {
		c.TemperatureThreshold = defaults.TemperatureThreshold
	}
	if c.ErrorCountThreshold <= 0 {
		c.ErrorCountThreshold = defaults.ErrorCountThreshold
	}
	if c.MaxRestartsPerHour <= 0 {
		c.MaxRestartsPerHour = defaults.MaxRestartsPerHour
	}
	if c.NetworkCheckFrequency <= 0 {
		c.NetworkCheckFrequency = defaults.NetworkCheckFrequency
	}
	if c.ServiceUnit == "" {
		c.ServiceUnit = defaults.ServiceUnit
	}
	if c.HealthURL == "" {
		c.HealthURL = defaults.HealthURL
	}
	if c.HealthFile == "" {
		c.HealthFile = defaults.HealthFile
	}
	if c.TempDir == "" {
		c.TempDir = defaults.TempDir
	}
	if c.WiFiInterface == "" {
		c.WiFiInterface = defaults.WiFiInterface
	}
	if c.EthernetInterface == "" {
		c.EthernetInterface = defaults.EthernetInterface
	}
	if c.WPASupplicantConf == "" {
		c.WPASupplicantConf = defaults.WPASupplicantConf
	}
	if c.GPIOPin <= 0 {
		c.GPIOPin = defaults.GPIOPin
	}
	if c.I2CClockPin <= 0 {
		c.I2CClockPin = defaults.I2CClockPin
	}
	if c.I2CBus <= 0 {
		c.I2CBus = defaults.I2CBus
	}
	if len(c.I2CAddresses) == 0 {
		c.I2CAddresses = defaults.I2CAddresses
	}
	if c.RecoverySettle <= 0 {
		c.RecoverySettle = defaults.RecoverySettle
	}
	if c.ThermalZonePath == "" {
		c.ThermalZonePath = defaults.ThermalZonePath
	}
}

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	if c.MemoryThreshold > 100 || c.DiskThreshold > 100 || c.CPUThreshold > 100 {
		return errors.NewValidationError("percentage thresholds cannot exceed 100", nil)
	}
	if c.CheckInterval < time.Second {
		return errors.NewValidationError("check interval below one second", nil).
			WithContext("check_interval", c.CheckInterval.String())
	}
	return nil
}
