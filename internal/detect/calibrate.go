package detect

import (
	"time"

	"github.com/gridsight/gridsight/internal/monitoring"
)

// Calibrator accumulates per-cell luminance over a short window while the
// grid is assumed idle, then seeds a Detector's baselines from the mean.
// It is driven at frame-delivery cadence by the engine, not by a timer:
// Accumulate is called once per delivered frame and reports completion when
// the wall-clock window has elapsed.
type Calibrator struct {
	window  time.Duration
	started time.Time
	sums    []float64
	count   int
}

// NewCalibrator creates a calibrator for the given cell count and capture
// window.
func NewCalibrator(cells int, window time.Duration) *Calibrator {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &Calibrator{
		window: window,
		sums:   make([]float64, cells),
	}
}

// Accumulate folds one frame's luminance into the running sums and returns
// true once the window has elapsed. A nil or mismatched slice (frame source
// produced nothing usable this tick) is skipped without advancing the
// sample count.
func (c *Calibrator) Accumulate(luma []float64, now time.Time) bool {
	if c.started.IsZero() {
		c.started = now
	}
	if len(luma) == len(c.sums) && luma != nil {
		for i, v := range luma {
			c.sums[i] += v
		}
		c.count++
	}
	return now.Sub(c.started) >= c.window
}

// Frames returns the number of frames accumulated so far.
func (c *Calibrator) Frames() int { return c.count }

// Apply seeds the detector's baselines from the accumulated means and
// leaves every cell re-armed. Safe with a zero frame count: baselines go
// to zero rather than dividing by zero.
func (c *Calibrator) Apply(d *Detector) {
	n := c.count
	if n < 1 {
		n = 1
	}
	means := make([]float64, len(c.sums))
	for i, s := range c.sums {
		means[i] = s / float64(n)
	}
	d.SetBaselines(means)
	monitoring.Logf("[calibrate] applied baselines from %d frames over %s", c.count, c.window)
}
