// Package capture provides a live screen-capture frame source.
package capture

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/vova616/screenshot"

	"github.com/gridsight/gridsight/internal/engine"
)

// Grab returns a capture of the whole screen.
func Grab() (*image.RGBA, error) {
	return screenshot.CaptureScreen()
}

// GrabSelection captures the given screen rectangle.
func GrabSelection(area image.Rectangle) (*image.RGBA, error) {
	return screenshot.CaptureRect(area)
}

// ScreenRect returns the bounds of the primary screen.
func ScreenRect() (image.Rectangle, error) {
	return screenshot.ScreenRect()
}

// ScreenSource captures the screen at a fixed interval and feeds the
// frames to the engine. A zero area captures the whole screen.
type ScreenSource struct {
	area     image.Rectangle
	interval time.Duration
	seq      uint64
	next     time.Time
}

// NewScreenSource creates a source capturing area every interval.
func NewScreenSource(area image.Rectangle, interval time.Duration) (*ScreenSource, error) {
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	if area.Empty() {
		full, err := ScreenRect()
		if err != nil {
			return nil, fmt.Errorf("query screen bounds: %w", err)
		}
		area = full
	}
	return &ScreenSource{area: area, interval: interval}, nil
}

// Next captures and returns one frame, pacing captures to the configured
// interval.
func (s *ScreenSource) Next(ctx context.Context) (engine.Frame, error) {
	if !s.next.IsZero() {
		if wait := time.Until(s.next); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return engine.Frame{}, ctx.Err()
			}
		}
	}
	s.next = time.Now().Add(s.interval)

	img, err := GrabSelection(s.area)
	if err != nil {
		return engine.Frame{}, fmt.Errorf("capture screen: %w", err)
	}
	s.seq++
	return engine.Frame{Image: img, Seq: s.seq, Time: time.Now()}, nil
}
