package engine

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsight/gridsight/internal/config"
	"github.com/gridsight/gridsight/internal/detect"
	"github.com/gridsight/gridsight/internal/geom"
	"github.com/gridsight/gridsight/internal/round"
)

func f64p(v float64) *float64 { return &v }
func intp(v int) *int         { return &v }
func boolp(v bool) *bool      { return &v }
func strp(v string) *string   { return &v }

var testStart = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// sliceSource replays a fixed set of luma vectors at 33ms spacing, then
// reports EOF.
type sliceSource struct {
	frames [][]float64
	i      int
}

func (s *sliceSource) Next(ctx context.Context) (Frame, error) {
	if s.i >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := Frame{
		Luma: s.frames[s.i],
		Seq:  uint64(s.i + 1),
		Time: testStart.Add(time.Duration(s.i) * 33 * time.Millisecond),
	}
	s.i++
	return f, nil
}

// timedSource replays luma vectors at explicit offsets from testStart. A
// nil vector yields a frame with no usable pixels.
type timedSource struct {
	frames []timedFrame
	i      int
}

type timedFrame struct {
	luma []float64
	at   time.Duration
}

func (s *timedSource) Next(ctx context.Context) (Frame, error) {
	if s.i >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.i]
	s.i++
	return Frame{Luma: f.luma, Seq: uint64(s.i), Time: testStart.Add(f.at)}, nil
}

// uniform returns a 9-cell luma vector with every cell at base, with
// optional single-cell overrides.
func uniform(base float64, overrides map[int]float64) []float64 {
	luma := make([]float64, 9)
	for i := range luma {
		luma[i] = base
	}
	for cell, v := range overrides {
		luma[cell] = v
	}
	return luma
}

func fastTuning() *config.TuningConfig {
	return &config.TuningConfig{
		ThresholdHigh:        f64p(18),
		ThresholdLow:         f64p(6),
		HoldFrames:           intp(1),
		RefractoryFrames:     intp(2),
		EMAAlpha:             f64p(0.5),
		QuickFlashEnabled:    boolp(false),
		ColorGateEnabled:     boolp(false),
		UseExpectedRevealLen: boolp(true),
		InitialRevealLen:     intp(1),
		RearmDelay:           strp("100ms"),
	}
}

func newTestEngine(t *testing.T, src FrameSource, tuning *config.TuningConfig) *Engine {
	t.Helper()
	e, err := New(Options{
		ROI:    geom.Rect{X: 0, Y: 0, Width: 1, Height: 1},
		Grid:   geom.GridConfig{Rows: 3, Cols: 3},
		Tuning: tuning,
		Source: src,
	})
	require.NoError(t, err)
	return e
}

func TestEngineFullRound(t *testing.T) {
	// a length-1 round: one reveal flash on cell 4, then the player's
	// repetition eight frames later, then the rearm delay elapses
	frames := [][]float64{
		uniform(100, nil), // seeds baselines
		uniform(100, nil),
		uniform(100, map[int]float64{4: 200}), // reveal flash
		uniform(100, nil),
		uniform(100, nil),
		uniform(100, nil),
		uniform(100, nil),
		uniform(100, map[int]float64{4: 250}), // player input
		uniform(100, nil),
		uniform(100, nil),
		uniform(100, nil),
		uniform(100, nil), // t=363ms, past the 100ms rearm delay
	}
	e := newTestEngine(t, &sliceSource{frames: frames}, fastTuning())

	var mu sync.Mutex
	var got []detect.Event
	var phases []round.Phase
	e.AddEventSink(func(ev detect.Event, st round.State) {
		mu.Lock()
		got = append(got, ev)
		phases = append(phases, st.Phase)
		mu.Unlock()
	})

	require.NoError(t, e.Run(context.Background()))

	require.Len(t, got, 2)
	assert.Equal(t, 4, got[0].Cell)
	assert.Equal(t, detect.KindReveal, got[0].Kind)
	assert.Equal(t, detect.KindInput, got[1].Kind, "second flash classified by phase bias")
	assert.Equal(t, round.PhaseWaitingInput, phases[0])
	assert.Equal(t, round.PhaseRearming, phases[1])

	st := e.Status()
	assert.Equal(t, round.PhaseArmed, st.Round.Phase, "rearm delay elapsed")
	assert.Equal(t, 1, st.Round.RoundIndex)
	assert.Equal(t, uint64(len(frames)), st.Frames)
	assert.Empty(t, e.Steps(), "history clears at the round boundary")
}

func TestEngineCalibrationSuspendsDetection(t *testing.T) {
	tuning := fastTuning()
	tuning.CalibrationWindow = strp("100ms")

	frames := [][]float64{
		uniform(80, nil),
		uniform(80, nil),
		uniform(80, nil),
		uniform(80, nil),
		uniform(80, nil), // t=132ms closes the 100ms window
		uniform(80, map[int]float64{0: 200}),
	}
	e := newTestEngine(t, &sliceSource{frames: frames}, tuning)

	var events []detect.Event
	e.AddEventSink(func(ev detect.Event, _ round.State) {
		events = append(events, ev)
	})

	e.Calibrate()
	require.True(t, e.Status().Calibrating)
	require.NoError(t, e.Run(context.Background()))

	require.Len(t, events, 1, "flash after calibration fires on the first frame")
	assert.Equal(t, 0, events[0].Cell)
	assert.False(t, e.Status().Calibrating)

	baselines := e.Baselines()
	require.Len(t, baselines, 9)
	// cell 0's baseline moved during the flash frame but started at the
	// calibrated 80
	assert.InDelta(t, 80.0, baselines[1], 1e-9)
}

func TestEngineStopInterruptsLiveSource(t *testing.T) {
	var n uint64
	src := FuncSource(func(ctx context.Context) (Frame, error) {
		n++
		time.Sleep(time.Millisecond)
		return Frame{
			Luma: uniform(100, nil),
			Seq:  n,
			Time: testStart.Add(time.Duration(n) * 33 * time.Millisecond),
		}, nil
	})
	e := newTestEngine(t, src, fastTuning())

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()

	require.Eventually(t, func() bool { return e.Frames() > 3 },
		2*time.Second, 5*time.Millisecond)

	e.Stop()
	require.NoError(t, <-errCh)
	assert.False(t, e.Status().Running)

	// idempotent
	e.Stop()
}

func TestEngineContextCancelStopsRun(t *testing.T) {
	src := FuncSource(func(ctx context.Context) (Frame, error) {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-time.After(time.Millisecond):
			return Frame{Luma: uniform(100, nil), Time: time.Now()}, nil
		}
	})
	e := newTestEngine(t, src, fastTuning())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

func TestEngineDropsMismatchedLuma(t *testing.T) {
	frames := [][]float64{
		{1, 2, 3}, // wrong length for a 3x3 grid
		uniform(100, nil),
	}
	e := newTestEngine(t, &sliceSource{frames: frames}, fastTuning())
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint64(1), e.Frames(), "mismatched frame is not counted")
}

func TestEngineBlankFramesAdvanceRoundTimers(t *testing.T) {
	// the reveal flash parks the round in waiting-input; the source then
	// goes blank past the 2s input-timeout floor, and the failsafe must
	// still fire on those empty ticks
	frames := []timedFrame{
		{uniform(100, nil), 0},
		{uniform(100, nil), 33 * time.Millisecond},
		{uniform(100, map[int]float64{4: 200}), 66 * time.Millisecond},
		{nil, time.Second},
		{nil, 3 * time.Second},
	}
	tuning := fastTuning()
	tuning.InputTimeout = strp("2s")
	e := newTestEngine(t, &timedSource{frames: frames}, tuning)
	require.NoError(t, e.Run(context.Background()))

	st := e.Status()
	assert.Equal(t, round.PhaseArmed, st.Round.Phase, "input timeout fired during the blank stretch")
	assert.Equal(t, 0, st.Round.RevealLen)
	assert.Equal(t, uint64(3), st.Frames, "blank frames are not counted")
}

func TestEngineApplyTuning(t *testing.T) {
	e := newTestEngine(t, &sliceSource{}, fastTuning())

	bad := &config.TuningConfig{EMAAlpha: f64p(2.0)}
	require.Error(t, e.ApplyTuning(bad))

	overlay := &config.TuningConfig{ThresholdHigh: f64p(30)}
	require.NoError(t, e.ApplyTuning(overlay))

	got := e.Tuning()
	assert.Equal(t, 30.0, got.GetThresholdHigh())
	assert.Equal(t, 6.0, got.GetThresholdLow(), "unset overlay fields keep prior values")
}

func TestEngineSetLayoutResizesGrid(t *testing.T) {
	e := newTestEngine(t, &sliceSource{}, fastTuning())

	err := e.SetLayout(geom.Rect{Width: 0.5, Height: 0.5}, geom.GridConfig{Rows: 2, Cols: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, e.Grid().Cells())
	assert.Len(t, e.Baselines(), 4)

	require.Error(t, e.SetLayout(geom.Rect{}, geom.GridConfig{}))
}

func TestRecorderReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")

	rec, err := NewRecorder(path)
	require.NoError(t, err)
	require.NoError(t, rec.Record(1, testStart, []float64{1, 2, 3}))
	require.NoError(t, rec.Record(2, testStart.Add(33*time.Millisecond), []float64{4, 5, 6}))
	require.NoError(t, rec.Close())

	src, err := NewReplaySource(path, false)
	require.NoError(t, err)
	defer src.Close()

	f1, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f1.Seq)
	if diff := cmp.Diff([]float64{1, 2, 3}, f1.Luma); diff != "" {
		t.Errorf("replayed luma mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, testStart.UnixMilli(), f1.Time.UnixMilli())

	f2, err := src.Next(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff([]float64{4, 5, 6}, f2.Luma); diff != "" {
		t.Errorf("replayed luma mismatch (-want +got):\n%s", diff)
	}

	_, err = src.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestEngineRecordsWhileRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.jsonl")
	rec, err := NewRecorder(path)
	require.NoError(t, err)

	frames := [][]float64{uniform(50, nil), uniform(60, nil)}
	e, err := New(Options{
		ROI:      geom.Rect{Width: 1, Height: 1},
		Grid:     geom.GridConfig{Rows: 3, Cols: 3},
		Tuning:   fastTuning(),
		Source:   &sliceSource{frames: frames},
		Recorder: rec,
	})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))
	require.NoError(t, rec.Close())

	src, err := NewReplaySource(path, false)
	require.NoError(t, err)
	defer src.Close()

	f1, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uniform(50, nil), f1.Luma)
	f2, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uniform(60, nil), f2.Luma)
}
