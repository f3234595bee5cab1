package serviceconfig

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coserrors "github.com/code-of-the-sea/cos-supervisor-go/pkg/errors"
	"github.com/code-of-the-sea/cos-supervisor-go/pkg/statestore"
)

func TestConfigPathLayout(t *testing.T) {
	s := NewStore("/opt/cos", nil)
	assert.Equal(t, filepath.Join("/opt/cos", "config", "fan_service.json"), s.ConfigPath("fan"))
	assert.Equal(t, filepath.Join("/opt/cos", "led", "led_config.json"), s.ConfigPath("led"))
}

func TestModeRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	require.NoError(t, s.SetMode("fan", "Fixed", "test"))
	mode, err := s.Mode("fan")
	require.NoError(t, err)
	assert.Equal(t, "Fixed", mode)
}

func TestLEDModeMapping(t *testing.T) {
	s := NewStore(t.TempDir(), nil)

	require.NoError(t, s.SetMode("led", "Musical LED", "test"))

	// On disk the legacy token is stored.
	var raw map[string]interface{}
	require.NoError(t, statestore.ReadJSON(s.ConfigPath("led"), &raw))
	assert.Equal(t, "auto", raw["mode"])

	// Reads translate back to the display name.
	mode, err := s.Mode("led")
	require.NoError(t, err)
	assert.Equal(t, "Musical LED", mode)
}

func TestLEDDisplayMode(t *testing.T) {
	assert.Equal(t, "Lux sensor", LEDDisplayMode("lighting"))
	assert.Equal(t, "Manual LED", LEDDisplayMode("manual"))
	assert.Equal(t, "something-new", LEDDisplayMode("something-new"))
}

func TestSetModePreservesOtherKeys(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	path := s.ConfigPath("fan")
	require.NoError(t, statestore.WriteJSON(path, map[string]interface{}{
		"mode":  "Auto",
		"speed": 42.0,
	}))

	require.NoError(t, s.SetMode("fan", "Fixed", "stray disable corrected"))

	var raw map[string]interface{}
	require.NoError(t, statestore.ReadJSON(path, &raw))
	assert.Equal(t, "Fixed", raw["mode"])
	assert.Equal(t, 42.0, raw["speed"])
	assert.Equal(t, true, raw["_protection_restored"])
	assert.Equal(t, "stray disable corrected", raw["_restore_reason"])
}

func TestModeMissingConfig(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	_, err := s.Mode("fan")
	require.Error(t, err)
	assert.True(t, coserrors.IsNotFound(err))
}

func TestModeWithoutModeKey(t *testing.T) {
	s := NewStore(t.TempDir(), nil)
	require.NoError(t, statestore.WriteJSON(s.ConfigPath("fan"), map[string]interface{}{"speed": 1}))

	_, err := s.Mode("fan")
	require.Error(t, err)
	assert.True(t, coserrors.IsValidation(err))
}
