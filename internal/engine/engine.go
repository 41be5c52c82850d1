package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gridsight/gridsight/internal/config"
	"github.com/gridsight/gridsight/internal/detect"
	"github.com/gridsight/gridsight/internal/geom"
	"github.com/gridsight/gridsight/internal/monitoring"
	"github.com/gridsight/gridsight/internal/round"
	"github.com/gridsight/gridsight/internal/sample"
)

// EventSink receives every confirmed event together with the round state
// that resulted from it. Sinks run on the tick goroutine and must return
// quickly; anything slow (database writes, socket fanout) should hand off
// to its own goroutine.
type EventSink func(ev detect.Event, st round.State)

// Options configures a new Engine.
type Options struct {
	ROI    geom.Rect
	Grid   geom.GridConfig
	Tuning *config.TuningConfig
	Source FrameSource
	// Recorder, when non-nil, receives every sampled luma vector.
	Recorder *Recorder
}

// Status is the engine state snapshot served over the API and pushed to
// websocket clients.
type Status struct {
	Running           bool        `json:"running"`
	Calibrating       bool        `json:"calibrating"`
	CalibrationFrames int         `json:"calibration_frames"`
	Frames            uint64      `json:"frames"`
	FPS               float64     `json:"fps"`
	HotCell           int         `json:"hot_cell"`
	HotDelta          float64     `json:"hot_delta"`
	LastConfidence    float64     `json:"last_confidence"`
	Round             round.State `json:"round"`
}

// Engine owns the frame pipeline: sampling, calibration, detection and
// round tracking. All mutation goes through its mutex; the run loop takes
// the same lock once per frame, so command methods are safe to call from
// API handlers while the loop is live.
type Engine struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	source   FrameSource
	recorder *Recorder
	tuning   *config.TuningConfig
	roi      geom.Rect
	grid     geom.GridConfig

	sampleCfg sample.Config
	det       *detect.Detector
	fsm       *round.FSM
	cal       *detect.Calibrator

	sinks []EventSink

	frames   uint64
	fpsEMA   float64
	lastTick time.Time
}

// New assembles an engine from options. Tuning may be nil, in which case
// every parameter takes its default.
func New(opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, errors.New("engine: frame source is required")
	}
	if opts.Grid.Cells() == 0 {
		return nil, errors.New("engine: grid has no cells")
	}
	tuning := opts.Tuning
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		source:   opts.Source,
		recorder: opts.Recorder,
		tuning:   tuning,
		roi:      opts.ROI,
		grid:     opts.Grid,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	e.sampleCfg = sampleConfig(e.roi, e.grid, tuning)
	e.det = detect.NewDetector(e.grid, paramsFromTuning(tuning))
	e.fsm = round.New(roundConfigFromTuning(tuning))
	return e, nil
}

// AddEventSink registers a confirmed-event consumer. Must be called before
// Run.
func (e *Engine) AddEventSink(s EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// AddPhaseListener forwards round phase transitions. Must be called before
// Run.
func (e *Engine) AddPhaseListener(l round.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fsm.AddListener(l)
}

// Run drives the pipeline until the context is cancelled, Stop is called
// or the source is exhausted. Blocks; returns nil on clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil // already running
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(doneCh)
	}()

	monitoring.Logf("[engine] pipeline started: grid=%dx%d cells=%d",
		e.grid.Rows, e.grid.Cols, e.grid.Cells())

	// Stop must also interrupt a source blocked in Next
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-stopCh:
			return nil
		default:
		}

		frame, err := e.source.Next(runCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				monitoring.Logf("[engine] frame source exhausted after %d frames", e.Frames())
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("engine: frame source: %w", err)
		}
		e.step(frame)
	}
}

// Start launches Run on its own goroutine. No-op when already running.
// Detection state, baselines and the round tracker survive a Stop/Start
// cycle.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		if err := e.Run(ctx); err != nil {
			monitoring.Logf("[engine] %v", err)
		}
	}()
}

// Stop requests shutdown and waits for the run loop to exit. Safe to call
// multiple times.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	doneCh := e.doneCh
	e.mu.Unlock()
	<-doneCh
}

// step processes one frame under the engine lock.
func (e *Engine) step(frame Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := e.sampleFrame(frame)
	if res.Luma == nil {
		// nothing to score, but the round deadlines track wall time, not
		// usable pixels
		e.fsm.Tick(frame.Time)
		return
	}

	e.frames++
	if !e.lastTick.IsZero() {
		if dt := frame.Time.Sub(e.lastTick).Seconds(); dt > 0 {
			inst := 1.0 / dt
			if e.fpsEMA == 0 {
				e.fpsEMA = inst
			} else {
				e.fpsEMA = 0.9*e.fpsEMA + 0.1*inst
			}
		}
	}
	e.lastTick = frame.Time

	if e.recorder != nil {
		if err := e.recorder.Record(frame.Seq, frame.Time, res.Luma); err != nil {
			monitoring.Logf("[engine] recorder error: %v", err)
			e.recorder = nil
		}
	}

	if e.cal != nil {
		luma := res.Luma
		if res.Zero() {
			// undimensioned frame during calibration: yields the window
			// without contributing to the mean
			luma = nil
		}
		if e.cal.Accumulate(luma, frame.Time) {
			e.cal.Apply(e.det)
			monitoring.Logf("[engine] calibration applied after %d frames", e.cal.Frames())
			e.cal = nil
		}
		return
	}

	events := e.det.Tick(res, frame.Time, e.fsm.PhaseBias())
	for _, ev := range events {
		monitoring.Logf("[engine] event cell=%d kind=%s conf=%.2f frame=%d",
			ev.Cell, ev.Kind, ev.Confidence, ev.Frame)
		e.fsm.HandleEvent(ev)
		st := e.fsm.State()
		for _, sink := range e.sinks {
			sink(ev, st)
		}
	}
	e.fsm.Tick(frame.Time)
}

// sampleFrame produces the per-cell result for one frame: a recorded luma
// vector passes straight through, a live image goes through the sampler.
func (e *Engine) sampleFrame(frame Frame) sample.Result {
	if frame.Luma != nil {
		if len(frame.Luma) != e.grid.Cells() {
			monitoring.Debugf("[engine] dropping frame %d: %d luma values for %d cells",
				frame.Seq, len(frame.Luma), e.grid.Cells())
			return sample.Result{}
		}
		return sample.Result{Luma: frame.Luma}
	}
	if frame.Image == nil {
		return sample.Result{}
	}
	return sample.Grid(frame.Image, e.sampleCfg)
}

// Calibrate begins a baseline calibration pass over the next frames. The
// window comes from the tuning config. Detection is suspended until the
// window closes.
func (e *Engine) Calibrate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cal = detect.NewCalibrator(e.grid.Cells(), e.tuning.GetCalibrationWindow())
	monitoring.Logf("[engine] calibration started: window=%s", e.tuning.GetCalibrationWindow())
}

// Arm manually starts a round.
func (e *Engine) Arm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fsm.Arm()
}

// Reset returns the round tracker to idle and clears per-cell detection
// state. Learned baselines are kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fsm.Reset()
	e.det.Rearm()
}

// Undo drops the most recent step from the visible history.
func (e *Engine) Undo() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fsm.Undo()
}

// Tuning returns a copy of the active tuning config.
func (e *Engine) Tuning() *config.TuningConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := *e.tuning
	return &out
}

// ApplyTuning overlays the provided fields onto the active config and
// rebuilds the detector parameters, sampler settings and round timings.
// Detector per-cell state survives unless the overlay changes the energy
// window.
func (e *Engine) ApplyTuning(overlay *config.TuningConfig) error {
	if err := overlay.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	merged := *e.tuning
	merged.Merge(overlay)
	if err := merged.Validate(); err != nil {
		return err
	}
	e.tuning = &merged
	e.sampleCfg = sampleConfig(e.roi, e.grid, e.tuning)
	e.det.Reconfigure(e.grid, paramsFromTuning(e.tuning))
	e.fsm.SetConfig(roundConfigFromTuning(e.tuning))
	monitoring.Logf("[engine] tuning applied")
	return nil
}

// SetLayout changes the ROI and grid shape. Changing the cell count resets
// detection state and abandons any calibration in progress.
func (e *Engine) SetLayout(roi geom.Rect, grid geom.GridConfig) error {
	if grid.Cells() == 0 {
		return errors.New("engine: grid has no cells")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roi = roi
	e.grid = grid
	e.sampleCfg = sampleConfig(roi, grid, e.tuning)
	e.det.Reconfigure(grid, paramsFromTuning(e.tuning))
	e.cal = nil
	monitoring.Logf("[engine] layout changed: grid=%dx%d", grid.Rows, grid.Cols)
	return nil
}

// Status returns the current pipeline snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	hot, delta := e.det.HotCell()
	st := Status{
		Running:        e.running,
		Calibrating:    e.cal != nil,
		Frames:         e.frames,
		FPS:            e.fpsEMA,
		HotCell:        hot,
		HotDelta:       delta,
		LastConfidence: e.det.LastConfidence(),
		Round:          e.fsm.State(),
	}
	if e.cal != nil {
		st.CalibrationFrames = e.cal.Frames()
	}
	return st
}

// Steps returns the visible step history.
func (e *Engine) Steps() []detect.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fsm.Steps()
}

// Baselines exposes the learned per-cell baselines, for diagnostics.
func (e *Engine) Baselines() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.det.Baselines()
}

// Frames returns the processed frame count.
func (e *Engine) Frames() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// Grid returns the active grid shape.
func (e *Engine) Grid() geom.GridConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.grid
}

func paramsFromTuning(t *config.TuningConfig) detect.Params {
	return detect.Params{
		ThrHigh:           t.GetThresholdHigh(),
		ThrLow:            t.GetThresholdLow(),
		HoldFrames:        t.GetHoldFrames(),
		RefractoryFrames:  t.GetRefractoryFrames(),
		RelaxedRefractory: t.GetRelaxedRefractory(),
		EMAAlpha:          t.GetEMAAlpha(),
		SeedFromFirst:     true,
		QuickFlash:        t.GetQuickFlashEnabled(),
		EnergyWindow:      t.GetEnergyWindow(),
		EnergyScale:       t.GetEnergyScale(),
		ColorGate:         t.GetColorGateEnabled(),
		MinRevealFrac:     t.GetMinRevealFrac(),
		MinInputFrac:      t.GetMinInputFrac(),
	}
}

func roundConfigFromTuning(t *config.TuningConfig) round.Config {
	return round.Config{
		RevealMaxISI:         t.GetRevealMaxISI(),
		ClusterGap:           t.GetClusterGap(),
		InputTimeout:         t.GetInputTimeout(),
		RearmDelay:           t.GetRearmDelay(),
		UseExpectedRevealLen: t.GetUseExpectedRevealLen(),
		InitialRevealLen:     t.GetInitialRevealLen(),
		RevealHardTimeout:    t.GetRevealHardTimeout(),
		AutoRoundDetect:      t.GetAutoRoundDetect(),
		AppendAcrossRounds:   t.GetAppendAcrossRounds(),
	}
}

func sampleConfig(roi geom.Rect, grid geom.GridConfig, t *config.TuningConfig) sample.Config {
	cfg := sample.Config{
		ROI:           roi,
		Grid:          grid,
		PaddingPct:    t.GetPaddingPct(),
		DownsampleCap: t.GetDownsampleCap(),
	}
	if t.GetColorGateEnabled() {
		cfg.Color = colorConfig(t)
	}
	return cfg
}

// colorConfig resolves the configured hex colors to target hues. Invalid
// hex strings disable color sampling rather than failing the pipeline;
// Validate catches them earlier when the config comes from a file.
func colorConfig(t *config.TuningConfig) *sample.ColorConfig {
	rr, rg, rb, err := sample.ParseHexColor(t.GetRevealColor())
	if err != nil {
		monitoring.Logf("[engine] invalid reveal color %q: %v", t.GetRevealColor(), err)
		return nil
	}
	ir, ig, ib, err := sample.ParseHexColor(t.GetInputColor())
	if err != nil {
		monitoring.Logf("[engine] invalid input color %q: %v", t.GetInputColor(), err)
		return nil
	}
	return &sample.ColorConfig{
		RevealHue:       sample.RGBToHSV(rr, rg, rb).H,
		InputHue:        sample.RGBToHSV(ir, ig, ib).H,
		HueToleranceDeg: t.GetHueToleranceDeg(),
		MinSaturation:   t.GetMinSaturation(),
		MinValue:        t.GetMinValue(),
	}
}
