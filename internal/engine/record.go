package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// frameRecord is the JSONL row written by Recorder and read by
// ReplaySource. Timestamps are unix milliseconds so recordings diff
// cleanly and survive clock-zone changes.
type frameRecord struct {
	Seq    uint64    `json:"seq"`
	TimeMs int64     `json:"time_ms"`
	Luma   []float64 `json:"luma"`
}

// Recorder appends per-frame luma vectors to a JSONL file. It is driven
// from the engine's tick goroutine, so no locking is needed.
type Recorder struct {
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
}

// NewRecorder creates (or truncates) the recording file.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	w := bufio.NewWriter(f)
	return &Recorder{f: f, w: w, enc: json.NewEncoder(w)}, nil
}

// Record writes one frame's sampled luma vector.
func (r *Recorder) Record(seq uint64, t time.Time, luma []float64) error {
	return r.enc.Encode(frameRecord{Seq: seq, TimeMs: t.UnixMilli(), Luma: luma})
}

// Close flushes and closes the recording file.
func (r *Recorder) Close() error {
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}

// ReplaySource feeds a recorded session back through the pipeline. With
// Realtime set it sleeps to reproduce the original inter-frame gaps;
// otherwise frames are delivered as fast as the engine consumes them. In
// both modes the frame timestamps are the recorded ones, so detector and
// round timing behave identically to the original run.
type ReplaySource struct {
	r        io.ReadCloser
	dec      *json.Decoder
	realtime bool
	lastMs   int64
}

// NewReplaySource opens a JSONL recording for replay.
func NewReplaySource(path string, realtime bool) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	return &ReplaySource{
		r:        f,
		dec:      json.NewDecoder(bufio.NewReader(f)),
		realtime: realtime,
	}, nil
}

// Next returns the following recorded frame, or io.EOF when the recording
// is exhausted.
func (s *ReplaySource) Next(ctx context.Context) (Frame, error) {
	var rec frameRecord
	if err := s.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("decode recording: %w", err)
	}

	if s.realtime && s.lastMs > 0 && rec.TimeMs > s.lastMs {
		select {
		case <-time.After(time.Duration(rec.TimeMs-s.lastMs) * time.Millisecond):
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
	s.lastMs = rec.TimeMs

	return Frame{
		Luma: rec.Luma,
		Seq:  rec.Seq,
		Time: time.UnixMilli(rec.TimeMs).UTC(),
	}, nil
}

// Close releases the underlying file.
func (s *ReplaySource) Close() error { return s.r.Close() }
