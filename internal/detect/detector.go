// Package detect implements the per-frame flash detection pipeline:
// baseline tracking with global-drift removal, hysteresis thresholding with
// a hold debounce and refractory cooldown, a short-flash energy
// accumulator, and an optional color gate that classifies events.
//
// A Detector owns its per-cell state exclusively. Tick must be called from
// a single goroutine; all cells within one tick are evaluated against the
// same snapshot of the smoothed delta signal, and confirmed events are
// returned in increasing cell-index order.
package detect

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/gridsight/gridsight/internal/geom"
	"github.com/gridsight/gridsight/internal/monitoring"
	"github.com/gridsight/gridsight/internal/sample"
)

// dominanceRatio is the margin by which one color fraction must exceed the
// other before it decides the event kind on its own. Below this the
// classification falls back to the caller's phase bias.
const dominanceRatio = 1.25

// cellState is the per-cell runtime state. Recreated whenever the grid
// shape or the energy window changes.
type cellState struct {
	baseline    float64
	deltaSmooth float64
	holdCount   int
	refractory  int
	belowLow    bool
	seeded      bool

	// ring buffer of the last EnergyWindow positive-delta samples
	energy    []float64
	energyIdx int
	energySum float64
}

func (c *cellState) pushEnergy(v float64) {
	c.energySum += v - c.energy[c.energyIdx]
	c.energy[c.energyIdx] = v
	c.energyIdx = (c.energyIdx + 1) % len(c.energy)
}

func (c *cellState) clearEnergy() {
	for i := range c.energy {
		c.energy[i] = 0
	}
	c.energyIdx = 0
	c.energySum = 0
}

// Detector is the baseline tracker and event detector for one grid.
type Detector struct {
	params Params
	grid   geom.GridConfig
	cells  []cellState

	frame uint64

	// hot cell diagnostics (largest deltaSmooth this tick)
	hotCell  int
	hotDelta float64
	lastConf float64

	// scratch buffers reused across ticks
	rawDelta []float64
	sorted   []float64
}

// NewDetector creates a detector for the given grid shape.
func NewDetector(grid geom.GridConfig, p Params) *Detector {
	d := &Detector{}
	d.Reconfigure(grid, p)
	return d
}

// Reconfigure applies a new parameter snapshot. Per-cell state is discarded
// only when the grid shape or the energy window size changes; plain
// threshold tweaks keep baselines intact.
func (d *Detector) Reconfigure(grid geom.GridConfig, p Params) {
	p = p.sanitized()
	reset := grid != d.grid || d.cells == nil || p.EnergyWindow != d.params.EnergyWindow
	d.grid = grid
	d.params = p
	if !reset {
		return
	}

	n := grid.Cells()
	d.cells = make([]cellState, n)
	for i := range d.cells {
		d.cells[i].energy = make([]float64, p.EnergyWindow)
	}
	d.rawDelta = make([]float64, n)
	d.sorted = make([]float64, n)
	d.frame = 0
	d.hotCell = -1
	d.hotDelta = 0
	monitoring.Debugf("[detect] state reset: cells=%d energy_window=%d", n, p.EnergyWindow)
}

// Params returns the active (sanitized) parameter snapshot.
func (d *Detector) Params() Params { return d.params }

// Grid returns the configured grid shape.
func (d *Detector) Grid() geom.GridConfig { return d.grid }

// Frame returns the number of processed (non-zero) ticks.
func (d *Detector) Frame() uint64 { return d.frame }

// HotCell returns the index and smoothed delta of the cell with the
// largest signal on the last tick, for diagnostics and overlays. The index
// is -1 before the first processed tick.
func (d *Detector) HotCell() (int, float64) { return d.hotCell, d.hotDelta }

// LastConfidence returns the confidence of the most recent confirmed event.
func (d *Detector) LastConfidence() float64 { return d.lastConf }

// Baselines returns a copy of the per-cell baselines.
func (d *Detector) Baselines() []float64 {
	out := make([]float64, len(d.cells))
	for i := range d.cells {
		out[i] = d.cells[i].baseline
	}
	return out
}

// SetBaselines overwrites every cell's baseline and fully resets
// hysteresis, refractory, and energy state. Every cell is left re-armed so
// the first subsequent flash can trigger without a prior low observation.
// Used by the calibrator.
func (d *Detector) SetBaselines(baselines []float64) {
	if len(baselines) != len(d.cells) {
		return
	}
	for i := range d.cells {
		c := &d.cells[i]
		c.baseline = baselines[i]
		c.deltaSmooth = 0
		c.holdCount = 0
		c.refractory = 0
		c.belowLow = true
		c.seeded = true
		c.clearEnergy()
	}
}

// Rearm marks every cell re-armed and clears hold/refractory/energy state
// without touching baselines.
func (d *Detector) Rearm() {
	for i := range d.cells {
		c := &d.cells[i]
		c.holdCount = 0
		c.refractory = 0
		c.belowLow = true
		c.clearEnergy()
	}
}

// Tick processes one frame's sampled signals and returns the confirmed
// events, if any. bias is the kind assigned to events the color gate
// cannot classify (callers pass KindInput while waiting for player input,
// KindReveal otherwise). A zero-signal result is a no-op.
func (d *Detector) Tick(res sample.Result, now time.Time, bias EventKind) []Event {
	if len(res.Luma) != len(d.cells) || len(d.cells) == 0 {
		return nil
	}
	if res.Zero() {
		// undimensioned frame or empty ROI; not an error, and baselines
		// must not decay toward a signal that was never observed
		return nil
	}

	p := d.params
	alpha := p.EMAAlpha
	d.frame++

	// Stage 1: baseline update and drift-corrected smoothing. The whole
	// stage completes before any trigger decision so every cell sees the
	// same snapshot.
	for i := range d.cells {
		c := &d.cells[i]
		raw := res.Luma[i]
		if p.SeedFromFirst && !c.seeded {
			c.baseline = raw
			c.seeded = true
		}
		c.baseline += alpha * (raw - c.baseline)
		d.rawDelta[i] = raw - c.baseline
	}

	// Median across cells absorbs global brightness flicker: an ambient
	// change moves all cells together, while a real flash moves a minority.
	// Needs at least 3 cells to be meaningful; below that a flashing cell
	// is not a minority and correction would cancel the signal.
	med := 0.0
	if len(d.cells) >= 3 {
		copy(d.sorted, d.rawDelta)
		sort.Float64s(d.sorted)
		med = stat.Quantile(0.5, stat.Empirical, d.sorted, nil)
	}

	d.hotCell = -1
	d.hotDelta = math.Inf(-1)
	for i := range d.cells {
		c := &d.cells[i]
		corrected := d.rawDelta[i] - med
		c.deltaSmooth += alpha * (corrected - c.deltaSmooth)
		if c.deltaSmooth > d.hotDelta {
			d.hotDelta = c.deltaSmooth
			d.hotCell = i
		}
	}

	// Stage 2: per-cell trigger decisions, in cell-index order.
	var events []Event
	energyThr := (p.ThrHigh - p.ThrLow) * p.EnergyScale
	for i := range d.cells {
		c := &d.cells[i]
		v := c.deltaSmooth

		if v < p.ThrLow {
			c.belowLow = true
			c.holdCount = 0
		}

		if c.refractory > 0 {
			c.refractory--
			if !p.RelaxedRefractory || !c.belowLow {
				// cooldown not paid; no contribution this tick
				continue
			}
		}

		// energy accumulates while the cell is armed; an unarmed cell has
		// already fired for the flash it is sitting on
		if p.QuickFlash && c.belowLow {
			c.pushEnergy(math.Max(0, v-p.ThrLow))
		}

		fired := false
		viaEnergy := false
		if c.belowLow && v >= p.ThrHigh {
			c.holdCount++
			if c.holdCount >= p.HoldFrames {
				fired = true
			}
		}
		if !fired && p.QuickFlash && c.belowLow && c.energySum > energyThr {
			fired = true
			viaEnergy = true
		}
		if !fired {
			continue
		}

		kind, ok := d.classify(res, i, bias)
		if !ok {
			// color gate refused the cell; luminance alone cannot fire it
			continue
		}

		num := v - p.ThrHigh
		if viaEnergy && num < 0 {
			// energy-path events report margin over the energy threshold
			num = (c.energySum - energyThr) / float64(p.EnergyWindow)
		}
		conf := clamp(num/math.Max(1, p.ThrHigh), 0, 1)

		c.holdCount = 0
		c.belowLow = false
		c.refractory = p.RefractoryFrames
		c.clearEnergy()

		row, col := d.grid.Coord(i)
		events = append(events, Event{
			Cell:       i,
			Row:        row,
			Col:        col,
			Frame:      d.frame,
			Time:       now,
			Confidence: conf,
			Kind:       kind,
		})
		d.lastConf = conf
		monitoring.Debugf("[detect] event cell=%d kind=%s v=%.2f conf=%.2f energy=%v", i, kind, v, conf, viaEnergy)
	}
	return events
}

// classify applies the color gate and decides the event kind. Returns
// ok=false when the gate is enabled and neither target color clears its
// minimum fraction.
func (d *Detector) classify(res sample.Result, i int, bias EventKind) (EventKind, bool) {
	p := d.params
	if !p.ColorGate || res.RevealFrac == nil || res.InputFrac == nil {
		return bias, true
	}

	rf := res.RevealFrac[i]
	inf := res.InputFrac[i]
	revealOK := rf >= p.MinRevealFrac
	inputOK := inf >= p.MinInputFrac

	switch {
	case !revealOK && !inputOK:
		return bias, false
	case revealOK && !inputOK:
		return KindReveal, true
	case inputOK && !revealOK:
		return KindInput, true
	}

	// both colors matched; require clear dominance, otherwise fall back to
	// the caller's phase bias
	if rf >= inf*dominanceRatio {
		return KindReveal, true
	}
	if inf >= rf*dominanceRatio {
		return KindInput, true
	}
	return bias, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
