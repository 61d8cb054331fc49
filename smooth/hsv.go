package smooth

import (
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// ValueScale converts a saturation or value delta (0-1) into degree units so the
// three channels share one distance metric and one step size.
const ValueScale = 180.0

// HSV is a hue/saturation/value triple. H is in degrees [0,360), S and V in [0,1].
type HSV struct {
	H float64
	S float64
	V float64
}

func FromColor(c colorful.Color) HSV {
	h, s, v := c.Clamped().Hsv()
	return HSV{H: h, S: s, V: v}.Normalize()
}

func (c HSV) Color() colorful.Color {
	n := c.Normalize()
	return colorful.Hsv(n.H, n.S, n.V).Clamped()
}

// Normalize wraps hue into [0,360) and clamps saturation and value.
func (c HSV) Normalize() HSV {
	return HSV{H: wrapHue(c.H), S: clamp01(c.S), V: clamp01(c.V)}
}

func (c HSV) achromatic() bool {
	return c.S < achromaticEpsilon || c.V < achromaticEpsilon
}

// HueDelta is the signed shortest angular distance from -> to, in (-180, 180].
func HueDelta(from, to float64) float64 {
	d := math.Mod(to-from, 360)
	if d < 0 {
		d += 360
	}
	if d > 180 {
		d -= 360
	}
	return d
}

// Distance is the Chebyshev distance between a and b in degree units:
// max(|dH|, |dS|*ValueScale, |dV|*ValueScale).
func Distance(a, b HSV) float64 {
	dh := math.Abs(HueDelta(a.H, b.H))
	ds := math.Abs(b.S-a.S) * ValueScale
	dv := math.Abs(b.V-a.V) * ValueScale
	return math.Max(dh, math.Max(ds, dv))
}

func wrapHue(h float64) float64 {
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0
	}
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	// -1e-18 + 360 rounds to 360
	if h >= 360 {
		h = 0
	}
	return h
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
