package sample

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// HSV is a color in hue/saturation/value space. Hue is in degrees [0,360),
// saturation and value in [0,1].
type HSV struct {
	H, S, V float64
}

// RGBToHSV converts 8-bit RGB channels to HSV.
func RGBToHSV(r, g, b uint8) HSV {
	rf := float64(r) / 255.0
	gf := float64(g) / 255.0
	bf := float64(b) / 255.0

	max := math.Max(rf, math.Max(gf, bf))
	min := math.Min(rf, math.Min(gf, bf))
	delta := max - min

	var h float64
	switch {
	case delta == 0:
		h = 0
	case max == rf:
		h = 60 * math.Mod((gf-bf)/delta, 6)
	case max == gf:
		h = 60 * ((bf-rf)/delta + 2)
	default:
		h = 60 * ((rf-gf)/delta + 4)
	}
	if h < 0 {
		h += 360
	}

	s := 0.0
	if max > 0 {
		s = delta / max
	}

	return HSV{H: h, S: s, V: max}
}

// ParseHexColor parses "#rrggbb" (or "rrggbb") into RGB channels.
func ParseHexColor(s string) (r, g, b uint8, err error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return 0, 0, 0, fmt.Errorf("color must be 6 hex digits, got %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v), nil
}

// hueDistance returns the shortest angular distance between two hues in
// degrees, always in [0,180].
func hueDistance(a, b float64) float64 {
	d := math.Abs(a - b)
	d = math.Mod(d, 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// matches reports whether the pixel matches the target hue within the
// configured tolerance and saturation/value minimums.
func (c ColorConfig) matches(px HSV, targetHue float64) bool {
	if px.S < c.MinSaturation || px.V < c.MinValue {
		return false
	}
	return hueDistance(px.H, targetHue) <= c.HueToleranceDeg
}
