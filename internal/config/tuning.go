// Package config defines the runtime tuning parameters for the detection
// pipeline and round state machine.
//
// The schema matches the /api/params endpoint so the same JSON can be used
// for both startup configuration and runtime updates. Fields are pointers:
// a field omitted from the JSON file keeps its default, supplied by the
// corresponding Get* accessor. Every accessor is total — there is no code
// path on which a parameter has no value.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig is the root tuning document.
type TuningConfig struct {
	// Threshold / hysteresis params
	ThresholdHigh     *float64 `json:"threshold_high,omitempty"`
	ThresholdLow      *float64 `json:"threshold_low,omitempty"`
	HoldFrames        *int     `json:"hold_frames,omitempty"`
	RefractoryFrames  *int     `json:"refractory_frames,omitempty"`
	RelaxedRefractory *bool    `json:"relaxed_refractory,omitempty"`
	EMAAlpha          *float64 `json:"ema_alpha,omitempty"`

	// Quick-flash energy accumulator
	QuickFlashEnabled *bool    `json:"quick_flash_enabled,omitempty"`
	EnergyWindow      *int     `json:"energy_window,omitempty"`
	EnergyScale       *float64 `json:"energy_scale,omitempty"`

	// Sampling params
	PaddingPct    *float64 `json:"padding_pct,omitempty"`
	DownsampleCap *int     `json:"downsample_cap,omitempty"`

	// Color gate params. Colors are "#rrggbb" strings.
	ColorGateEnabled *bool    `json:"color_gate_enabled,omitempty"`
	RevealColor      *string  `json:"reveal_color,omitempty"`
	InputColor       *string  `json:"input_color,omitempty"`
	HueToleranceDeg  *float64 `json:"hue_tolerance_deg,omitempty"`
	MinSaturation    *float64 `json:"min_saturation,omitempty"`
	MinValue         *float64 `json:"min_value,omitempty"`
	MinRevealFrac    *float64 `json:"min_reveal_frac,omitempty"`
	MinInputFrac     *float64 `json:"min_input_frac,omitempty"`

	// Round FSM timing. Durations are strings like "650ms".
	RevealMaxISI         *string `json:"reveal_max_isi,omitempty"`
	ClusterGap           *string `json:"cluster_gap,omitempty"`
	InputTimeout         *string `json:"input_timeout,omitempty"`
	RearmDelay           *string `json:"rearm_delay,omitempty"`
	RevealHardTimeout    *string `json:"reveal_hard_timeout,omitempty"`
	UseExpectedRevealLen *bool   `json:"use_expected_reveal_len,omitempty"`
	InitialRevealLen     *int    `json:"initial_reveal_len,omitempty"`
	AutoRoundDetect      *bool   `json:"auto_round_detect,omitempty"`
	AppendAcrossRounds   *bool   `json:"append_across_rounds,omitempty"`

	// Calibration params
	CalibrationWindow *string `json:"calibration_window,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset. The Get*
// accessors supply defaults for every field.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Partial configs
// are safe: omitted fields fall back to defaults via the accessors.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *TuningConfig) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge applies every set field of other onto c. Unset fields in other are
// left alone, so a partial runtime update never clears an existing value.
func (c *TuningConfig) Merge(other *TuningConfig) {
	if other == nil {
		return
	}
	raw, err := json.Marshal(other)
	if err != nil {
		return
	}
	// Unmarshal over c: only keys present in other overwrite.
	_ = json.Unmarshal(raw, c)
}

// Validate checks set fields for out-of-range values. The tick path never
// rejects values at runtime (consumers clamp defensively); this catches
// obvious mistakes at load time.
func (c *TuningConfig) Validate() error {
	if c.EMAAlpha != nil {
		if *c.EMAAlpha <= 0 || *c.EMAAlpha >= 1 {
			return fmt.Errorf("ema_alpha must be in (0,1), got %f", *c.EMAAlpha)
		}
	}
	if c.ThresholdHigh != nil && c.ThresholdLow != nil {
		if *c.ThresholdHigh <= *c.ThresholdLow {
			return fmt.Errorf("threshold_high (%f) must exceed threshold_low (%f)", *c.ThresholdHigh, *c.ThresholdLow)
		}
	}
	if c.HoldFrames != nil && *c.HoldFrames < 1 {
		return fmt.Errorf("hold_frames must be >= 1, got %d", *c.HoldFrames)
	}
	if c.EnergyWindow != nil && *c.EnergyWindow < 2 {
		return fmt.Errorf("energy_window must be >= 2, got %d", *c.EnergyWindow)
	}
	for name, v := range map[string]*string{
		"reveal_max_isi":      c.RevealMaxISI,
		"cluster_gap":         c.ClusterGap,
		"input_timeout":       c.InputTimeout,
		"rearm_delay":         c.RearmDelay,
		"reveal_hard_timeout": c.RevealHardTimeout,
		"calibration_window":  c.CalibrationWindow,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetThresholdHigh returns the trigger threshold or the default.
func (c *TuningConfig) GetThresholdHigh() float64 {
	if c.ThresholdHigh == nil {
		return 18.0
	}
	return *c.ThresholdHigh
}

// GetThresholdLow returns the re-arm threshold or the default.
func (c *TuningConfig) GetThresholdLow() float64 {
	if c.ThresholdLow == nil {
		return 6.0
	}
	return *c.ThresholdLow
}

// GetHoldFrames returns the hold_frames value or the default.
func (c *TuningConfig) GetHoldFrames() int {
	if c.HoldFrames == nil {
		return 2
	}
	return *c.HoldFrames
}

// GetRefractoryFrames returns the refractory_frames value or the default.
func (c *TuningConfig) GetRefractoryFrames() int {
	if c.RefractoryFrames == nil {
		return 6
	}
	return *c.RefractoryFrames
}

// GetRelaxedRefractory returns the relaxed_refractory value or the default.
func (c *TuningConfig) GetRelaxedRefractory() bool {
	if c.RelaxedRefractory == nil {
		return false
	}
	return *c.RelaxedRefractory
}

// GetEMAAlpha returns the ema_alpha value or the default.
func (c *TuningConfig) GetEMAAlpha() float64 {
	if c.EMAAlpha == nil {
		return 0.12
	}
	return *c.EMAAlpha
}

// GetQuickFlashEnabled returns the quick_flash_enabled value or the default.
func (c *TuningConfig) GetQuickFlashEnabled() bool {
	if c.QuickFlashEnabled == nil {
		return true
	}
	return *c.QuickFlashEnabled
}

// GetEnergyWindow returns the energy_window value or the default.
func (c *TuningConfig) GetEnergyWindow() int {
	if c.EnergyWindow == nil {
		return 4
	}
	return *c.EnergyWindow
}

// GetEnergyScale returns the energy_scale value or the default.
func (c *TuningConfig) GetEnergyScale() float64 {
	if c.EnergyScale == nil {
		return 1.5
	}
	return *c.EnergyScale
}

// GetPaddingPct returns the cell interior margin percentage or the default.
func (c *TuningConfig) GetPaddingPct() float64 {
	if c.PaddingPct == nil {
		return 12.0
	}
	return *c.PaddingPct
}

// GetDownsampleCap returns the working-resolution cap or the default.
func (c *TuningConfig) GetDownsampleCap() int {
	if c.DownsampleCap == nil {
		return 448
	}
	return *c.DownsampleCap
}

// GetColorGateEnabled returns the color_gate_enabled value or the default.
func (c *TuningConfig) GetColorGateEnabled() bool {
	if c.ColorGateEnabled == nil {
		return false
	}
	return *c.ColorGateEnabled
}

// GetRevealColor returns the reveal flash color or the default (warm yellow).
func (c *TuningConfig) GetRevealColor() string {
	if c.RevealColor == nil || *c.RevealColor == "" {
		return "#ffd34d"
	}
	return *c.RevealColor
}

// GetInputColor returns the input flash color or the default (cyan).
func (c *TuningConfig) GetInputColor() string {
	if c.InputColor == nil || *c.InputColor == "" {
		return "#4dd2ff"
	}
	return *c.InputColor
}

// GetHueToleranceDeg returns the hue tolerance in degrees or the default.
func (c *TuningConfig) GetHueToleranceDeg() float64 {
	if c.HueToleranceDeg == nil {
		return 24.0
	}
	return *c.HueToleranceDeg
}

// GetMinSaturation returns the min_saturation value or the default.
func (c *TuningConfig) GetMinSaturation() float64 {
	if c.MinSaturation == nil {
		return 0.35
	}
	return *c.MinSaturation
}

// GetMinValue returns the min_value value or the default.
func (c *TuningConfig) GetMinValue() float64 {
	if c.MinValue == nil {
		return 0.35
	}
	return *c.MinValue
}

// GetMinRevealFrac returns the min matched-area fraction for the reveal color.
func (c *TuningConfig) GetMinRevealFrac() float64 {
	if c.MinRevealFrac == nil {
		return 0.18
	}
	return *c.MinRevealFrac
}

// GetMinInputFrac returns the min matched-area fraction for the input color.
func (c *TuningConfig) GetMinInputFrac() float64 {
	if c.MinInputFrac == nil {
		return 0.18
	}
	return *c.MinInputFrac
}

// GetRevealMaxISI returns the max inter-stimulus interval within a reveal.
func (c *TuningConfig) GetRevealMaxISI() time.Duration {
	return durationOr(c.RevealMaxISI, 650*time.Millisecond)
}

// GetClusterGap returns the cluster gap threshold, or zero when unset. A
// zero value means "use reveal_max_isi for the gap heuristic".
func (c *TuningConfig) GetClusterGap() time.Duration {
	return durationOr(c.ClusterGap, 0)
}

// GetInputTimeout returns the waiting-input failsafe timeout. A floor of
// two seconds is enforced regardless of configuration.
func (c *TuningConfig) GetInputTimeout() time.Duration {
	d := durationOr(c.InputTimeout, 8*time.Second)
	if d < 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// GetRearmDelay returns the post-round rearm delay or the default.
func (c *TuningConfig) GetRearmDelay() time.Duration {
	return durationOr(c.RearmDelay, 1200*time.Millisecond)
}

// GetRevealHardTimeout returns the reveal silence hard timeout, or zero
// when the hard timeout is disabled.
func (c *TuningConfig) GetRevealHardTimeout() time.Duration {
	return durationOr(c.RevealHardTimeout, 0)
}

// GetUseExpectedRevealLen returns the use_expected_reveal_len value or the default.
func (c *TuningConfig) GetUseExpectedRevealLen() bool {
	if c.UseExpectedRevealLen == nil {
		return false
	}
	return *c.UseExpectedRevealLen
}

// GetInitialRevealLen returns the initial_reveal_len value or the default.
func (c *TuningConfig) GetInitialRevealLen() int {
	if c.InitialRevealLen == nil {
		return 1
	}
	return *c.InitialRevealLen
}

// GetAutoRoundDetect returns the auto_round_detect value or the default.
func (c *TuningConfig) GetAutoRoundDetect() bool {
	if c.AutoRoundDetect == nil {
		return true
	}
	return *c.AutoRoundDetect
}

// GetAppendAcrossRounds returns the append_across_rounds value or the default.
func (c *TuningConfig) GetAppendAcrossRounds() bool {
	if c.AppendAcrossRounds == nil {
		return false
	}
	return *c.AppendAcrossRounds
}

// GetCalibrationWindow returns the calibration capture window or the default.
func (c *TuningConfig) GetCalibrationWindow() time.Duration {
	return durationOr(c.CalibrationWindow, 500*time.Millisecond)
}
