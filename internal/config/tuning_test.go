package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	c := EmptyTuningConfig()

	assert.Equal(t, 18.0, c.GetThresholdHigh())
	assert.Equal(t, 6.0, c.GetThresholdLow())
	assert.Greater(t, c.GetThresholdHigh(), c.GetThresholdLow())
	assert.Equal(t, 2, c.GetHoldFrames())
	assert.Equal(t, 6, c.GetRefractoryFrames())
	assert.False(t, c.GetRelaxedRefractory())
	assert.Equal(t, 0.12, c.GetEMAAlpha())
	assert.True(t, c.GetQuickFlashEnabled())
	assert.Equal(t, 4, c.GetEnergyWindow())
	assert.Equal(t, 1.5, c.GetEnergyScale())
	assert.Equal(t, 448, c.GetDownsampleCap())
	assert.Equal(t, 650*time.Millisecond, c.GetRevealMaxISI())
	assert.Equal(t, time.Duration(0), c.GetClusterGap())
	assert.Equal(t, 8*time.Second, c.GetInputTimeout())
	assert.Equal(t, 1200*time.Millisecond, c.GetRearmDelay())
	assert.Equal(t, 500*time.Millisecond, c.GetCalibrationWindow())
	assert.True(t, c.GetAutoRoundDetect())
	assert.False(t, c.GetAppendAcrossRounds())
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, `{"threshold_high": 25, "input_timeout": "3s"}`)
	c, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 25.0, c.GetThresholdHigh())
	assert.Equal(t, 3*time.Second, c.GetInputTimeout())
	// omitted fields keep defaults
	assert.Equal(t, 6.0, c.GetThresholdLow())
	assert.Equal(t, 2, c.GetHoldFrames())
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	_, err := LoadTuningConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"alpha out of range", `{"ema_alpha": 1.5}`, true},
		{"alpha zero", `{"ema_alpha": 0}`, true},
		{"inverted thresholds", `{"threshold_high": 3, "threshold_low": 9}`, true},
		{"hold below one", `{"hold_frames": 0}`, true},
		{"energy window too small", `{"energy_window": 1}`, true},
		{"bad duration", `{"rearm_delay": "fast"}`, true},
		{"valid", `{"ema_alpha": 0.2, "threshold_high": 20, "threshold_low": 5}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := LoadTuningConfig(path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInputTimeoutFloor(t *testing.T) {
	path := writeConfig(t, `{"input_timeout": "200ms"}`)
	c, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.GetInputTimeout(), "failsafe timeout has a 2s floor")
}

func TestMergeKeepsUnsetFields(t *testing.T) {
	base := EmptyTuningConfig()
	high := 30.0
	base.ThresholdHigh = &high

	hold := 5
	base.Merge(&TuningConfig{HoldFrames: &hold})

	assert.Equal(t, 30.0, base.GetThresholdHigh(), "merge must not clear fields absent from the update")
	assert.Equal(t, 5, base.GetHoldFrames())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.json")
	c := EmptyTuningConfig()
	high := 42.0
	c.ThresholdHigh = &high
	require.NoError(t, c.Save(path))

	loaded, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 42.0, loaded.GetThresholdHigh())
}
