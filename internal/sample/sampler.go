// Package sample extracts per-cell signals from video frames: one average
// luminance value per grid cell, and optionally two color-match fractions
// used by the event classifier.
//
// Sampling cost is bounded independent of the source resolution: the ROI is
// downscaled to a capped working resolution before any pixel is read, and
// cell interiors are read on a stride rather than exhaustively.
package sample

import (
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/gridsight/gridsight/internal/geom"
)

// DefaultDownsampleCap is the default bound on the longer side of the
// working image, in pixels.
const DefaultDownsampleCap = 448

// minSamplesAcross is the target number of sample points spanning the
// shorter dimension of a cell interior. Exhaustive per-pixel reads are
// unnecessary for a mean over a flat cell.
const minSamplesAcross = 9

// ColorConfig describes the two target flash colors for classification.
// Hues are in degrees; tolerances and minimums as in the tuning config.
type ColorConfig struct {
	RevealHue       float64
	InputHue        float64
	HueToleranceDeg float64
	MinSaturation   float64
	MinValue        float64
}

// Config is the per-tick sampling configuration. It is treated as
// immutable for the duration of one Grid call.
type Config struct {
	ROI           geom.Rect
	Grid          geom.GridConfig
	PaddingPct    float64
	DownsampleCap int
	// Color enables the color-fraction outputs when non-nil.
	Color *ColorConfig
}

// Result holds the per-cell outputs of one sampling pass. All slices have
// length Grid.Cells(). RevealFrac and InputFrac are nil when color
// sampling is disabled.
type Result struct {
	Luma       []float64
	RevealFrac []float64
	InputFrac  []float64
}

// Zero reports whether the result carries no signal (produced from an
// undimensioned or empty frame).
func (r Result) Zero() bool {
	for _, v := range r.Luma {
		if v != 0 {
			return false
		}
	}
	return true
}

// Grid samples one frame. A nil image or one without pixel dimensions
// yields an all-zero result; that is a valid "no signal this tick", never
// an error.
func Grid(img *image.RGBA, cfg Config) Result {
	n := cfg.Grid.Cells()
	res := Result{Luma: make([]float64, n)}
	if cfg.Color != nil {
		res.RevealFrac = make([]float64, n)
		res.InputFrac = make([]float64, n)
	}
	if n == 0 || img == nil {
		return res
	}
	fb := img.Bounds()
	if fb.Dx() <= 0 || fb.Dy() <= 0 {
		return res
	}

	roi := cfg.ROI.Pixels(fb.Dx(), fb.Dy())
	if roi.Dx() <= 0 || roi.Dy() <= 0 {
		return res
	}

	work := downsampleROI(img, roi, cfg.DownsampleCap)
	w, h := work.Bounds().Dx(), work.Bounds().Dy()

	cellW := float64(w) / float64(cfg.Grid.Cols)
	cellH := float64(h) / float64(cfg.Grid.Rows)
	// paddingPct shrinks the interior by pct/2 per side to avoid border and
	// grid-line bleed.
	padX := cellW * cfg.PaddingPct / 200.0
	padY := cellH * cfg.PaddingPct / 200.0

	for row := 0; row < cfg.Grid.Rows; row++ {
		for col := 0; col < cfg.Grid.Cols; col++ {
			x0 := int(float64(col)*cellW + padX)
			y0 := int(float64(row)*cellH + padY)
			x1 := int(float64(col+1)*cellW - padX)
			y1 := int(float64(row+1)*cellH - padY)
			if x1 <= x0 {
				x1 = x0 + 1
			}
			if y1 <= y0 {
				y1 = y0 + 1
			}
			if x1 > w {
				x1 = w
			}
			if y1 > h {
				y1 = h
			}

			idx := cfg.Grid.Index(row, col)
			sampleCell(work, x0, y0, x1, y1, idx, cfg.Color, &res)
		}
	}
	return res
}

// downsampleROI extracts the ROI into a working image whose longer side is
// at most cap pixels. When the ROI already fits it is returned as a
// zero-copy subimage.
func downsampleROI(img *image.RGBA, roi image.Rectangle, cap int) *image.RGBA {
	if cap <= 0 {
		cap = DefaultDownsampleCap
	}
	rw, rh := roi.Dx(), roi.Dy()
	long := rw
	if rh > long {
		long = rh
	}
	if long <= cap {
		sub := img.SubImage(roi).(*image.RGBA)
		return shifted(sub)
	}

	scale := float64(cap) / float64(long)
	dw := int(float64(rw) * scale)
	dh := int(float64(rh) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, roi, xdraw.Src, nil)
	return dst
}

// shifted normalizes a subimage so its bounds start at the origin, keeping
// pixel data shared with the parent.
func shifted(sub *image.RGBA) *image.RGBA {
	b := sub.Bounds()
	if b.Min == (image.Point{}) {
		return sub
	}
	return &image.RGBA{
		Pix:    sub.Pix[sub.PixOffset(b.Min.X, b.Min.Y):],
		Stride: sub.Stride,
		Rect:   image.Rect(0, 0, b.Dx(), b.Dy()),
	}
}

// sampleCell averages luminance (and counts color matches) over a strided
// grid inside the cell interior [x0,x1)×[y0,y1).
func sampleCell(img *image.RGBA, x0, y0, x1, y1, idx int, cc *ColorConfig, res *Result) {
	cw := x1 - x0
	ch := y1 - y0
	short := cw
	if ch < short {
		short = ch
	}
	stride := short / minSamplesAcross
	if stride < 1 {
		stride = 1
	}

	var lumaSum float64
	var count, revealHits, inputHits int
	for y := y0; y < y1; y += stride {
		rowOff := img.PixOffset(x0, y)
		for x := x0; x < x1; x += stride {
			off := rowOff + (x-x0)*4
			r := img.Pix[off]
			g := img.Pix[off+1]
			b := img.Pix[off+2]
			lumaSum += 0.2126*float64(r) + 0.7152*float64(g) + 0.0722*float64(b)
			count++

			if cc != nil {
				px := RGBToHSV(r, g, b)
				// a pixel may count toward both targets; the ambiguous case
				// is resolved by the classifier upstream
				if cc.matches(px, cc.RevealHue) {
					revealHits++
				}
				if cc.matches(px, cc.InputHue) {
					inputHits++
				}
			}
		}
	}
	if count == 0 {
		return
	}
	res.Luma[idx] = lumaSum / float64(count)
	if cc != nil {
		res.RevealFrac[idx] = float64(revealHits) / float64(count)
		res.InputFrac[idx] = float64(inputHits) / float64(count)
	}
}
