// Package geom holds the small shared geometry types for the detection
// pipeline: the normalized region-of-interest rectangle and the grid shape.
//
// Values of these types arrive already sanitized by the ROI editor (bounds
// within [0,1], minimum size enforced, positive row/col counts); the
// pipeline does not re-validate them.
package geom

import "image"

// Rect is a rectangle in normalized frame coordinates, each component in
// [0,1]. Width and Height are extents, not corner coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Pixels converts the normalized rect to absolute pixel bounds on a frame of
// the given dimensions. The result is clamped to the frame.
func (r Rect) Pixels(frameW, frameH int) image.Rectangle {
	x0 := int(r.X * float64(frameW))
	y0 := int(r.Y * float64(frameH))
	x1 := int((r.X + r.Width) * float64(frameW))
	y1 := int((r.Y + r.Height) * float64(frameH))
	return image.Rect(x0, y0, x1, y1).Intersect(image.Rect(0, 0, frameW, frameH))
}

// GridConfig is the rows×cols subdivision of the ROI.
type GridConfig struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Cells returns the total cell count.
func (g GridConfig) Cells() int { return g.Rows * g.Cols }

// Index maps a (row, col) coordinate to the row-major cell index.
func (g GridConfig) Index(row, col int) int { return row*g.Cols + col }

// Coord is the inverse of Index.
func (g GridConfig) Coord(idx int) (row, col int) {
	return idx / g.Cols, idx % g.Cols
}
