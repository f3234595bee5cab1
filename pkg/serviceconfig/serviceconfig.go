package serviceconfig

import (
	"path/filepath"
	"time"

	"github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/logging"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/statestore"
)

// The LED service predates the unified config layout and keeps its own
// file and mode vocabulary. Config tokens map to the display names the
// dashboard and the other state files use.
var ledTokenToMode = map[string]string{
	"manual":   "Manual LED",
	"auto":     "Musical LED",
	"lighting": "Lux sensor",
	"disable":  "Disable",
}

var ledModeToToken = map[string]string{
	"Manual LED":  "manual",
	"Musical LED": "auto",
	"Lux sensor":  "lighting",
	"Disable":     "disable",
}

// Store reads and writes the per-service operating-mode configuration
// files the dashboard and the hardware services share.
type Store struct {
	basePath string
	logger   logging.Logger
}

func NewStore(basePath string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Store{basePath: basePath, logger: logger}
}

// ConfigPath returns the config file for a service. LED keeps its legacy
// location; everything else lives under the unified config directory.
func (s *Store) ConfigPath(service string) string {
	if service == "led" {
		return filepath.Join(s.basePath, "led", "led_config.json")
	}
	return filepath.Join(s.basePath, "config", service+"_service.json")
}

// Mode returns the service's configured operating mode as a display name.
func (s *Store) Mode(service string) (string, error) {
	var config map[string]interface{}
	if err := statestore.ReadJSON(s.ConfigPath(service), &config); err != nil {
		return "", err
	}

	raw, ok := config["mode"].(string)
	if !ok || raw == "" {
		return "", errors.NewValidationError("config has no mode", nil).WithContext("service", service)
	}

	if service == "led" {
		if mode, ok := ledTokenToMode[raw]; ok {
			return mode, nil
		}
	}
	return raw, nil
}

// SetMode rewrites the service's configured mode, annotating who changed
// it and why so the dashboard can show the correction. The rest of the
// config file is preserved.
func (s *Store) SetMode(service, mode, reason string) error {
	path := s.ConfigPath(service)

	config := make(map[string]interface{})
	statestore.ReadJSONOrDefault(path, &config, func() {
		config = make(map[string]interface{})
	})

	value := mode
	if service == "led" {
		if token, ok := ledModeToToken[mode]; ok {
			value = token
		}
	}

	config["mode"] = value
	config["_protection_restored"] = true
	config["_restore_reason"] = reason
	config["_restore_time"] = time.Now().Format(time.RFC3339)

	if err := statestore.WriteJSON(path, config); err != nil {
		return err
	}
	s.logger.Infof("Set %s mode to %q (%s)", service, mode, reason)
	return nil
}

// LEDDisplayMode maps an LED config token to its display name; unknown
// tokens pass through unchanged.
func LEDDisplayMode(token string) string {
	if mode, ok := ledTokenToMode[token]; ok {
		return mode
	}
	return token
}
