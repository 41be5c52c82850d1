package detect

// Params is the immutable-per-tick detection parameter bundle. Values are
// clamped defensively on the way in (see sanitized): parameters are
// user-tunable at runtime and an out-of-range slider must degrade, not
// fault.
type Params struct {
	// Hysteresis thresholds on the smoothed delta signal. ThrHigh triggers,
	// ThrLow re-arms.
	ThrHigh float64
	ThrLow  float64

	// HoldFrames is the consecutive-frame debounce for the hold trigger path.
	HoldFrames int

	// RefractoryFrames is the forced cooldown after a confirmed event.
	RefractoryFrames int

	// RelaxedRefractory allows a re-armed cell (one that dropped below
	// ThrLow) to fire before its cooldown fully elapses.
	RelaxedRefractory bool

	// EMAAlpha drives both the baseline EMA and the delta smoothing EMA.
	EMAAlpha float64

	// SeedFromFirst initializes a cell's baseline from the first non-zero
	// observation instead of converging from zero. Avoids a burst of
	// spurious deltas on startup when running without a prior calibration.
	SeedFromFirst bool

	// Quick-flash energy accumulator: recovers flashes shorter than
	// HoldFrames ticks whose above-ThrLow energy is concentrated.
	QuickFlash   bool
	EnergyWindow int
	EnergyScale  float64

	// Color gate: when enabled, a cell fires only if one of the two target
	// color fractions clears its minimum, and the dominant fraction decides
	// the event kind.
	ColorGate     bool
	MinRevealFrac float64
	MinInputFrac  float64
}

// DefaultParams returns the standing defaults, matching the tuning config
// accessors in internal/config.
func DefaultParams() Params {
	return Params{
		ThrHigh:          18.0,
		ThrLow:           6.0,
		HoldFrames:       2,
		RefractoryFrames: 6,
		EMAAlpha:         0.12,
		SeedFromFirst:    true,
		QuickFlash:       true,
		EnergyWindow:     4,
		EnergyScale:      1.5,
		MinRevealFrac:    0.18,
		MinInputFrac:     0.18,
	}
}

// sanitized returns a copy with every field clamped into its legal range.
func (p Params) sanitized() Params {
	if p.ThrLow < 0 {
		p.ThrLow = 0
	}
	if p.ThrHigh <= p.ThrLow {
		p.ThrHigh = p.ThrLow + 1
	}
	if p.HoldFrames < 1 {
		p.HoldFrames = 1
	}
	if p.RefractoryFrames < 0 {
		p.RefractoryFrames = 0
	}
	if p.EMAAlpha < 0.01 {
		p.EMAAlpha = 0.01
	}
	if p.EMAAlpha > 0.99 {
		p.EMAAlpha = 0.99
	}
	if p.EnergyWindow < 2 {
		p.EnergyWindow = 2
	}
	if p.EnergyScale <= 0 {
		p.EnergyScale = 1.0
	}
	if p.MinRevealFrac < 0 {
		p.MinRevealFrac = 0
	}
	if p.MinInputFrac < 0 {
		p.MinInputFrac = 0
	}
	return p
}
