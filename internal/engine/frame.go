// Package engine wires the sampler, detector, calibrator and round tracker
// into a single frame-driven pipeline behind a start/stop lifecycle.
package engine

import (
	"context"
	"image"
	"time"
)

// Frame is one unit of pipeline input. Either Image or Luma is set: live
// sources deliver decoded RGBA frames, replay sources deliver the per-cell
// luma vector that was recorded from a previous run and skip the sampling
// stage entirely.
type Frame struct {
	Image *image.RGBA
	Luma  []float64
	Seq   uint64
	Time  time.Time
}

// FrameSource delivers frames to the engine. Next blocks until a frame is
// available, the source is exhausted (io.EOF) or the context is cancelled.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// FuncSource adapts a function to the FrameSource interface.
type FuncSource func(ctx context.Context) (Frame, error)

func (f FuncSource) Next(ctx context.Context) (Frame, error) { return f(ctx) }
