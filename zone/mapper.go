package zone

import (
	"fmt"
	"math"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/drichelson/keybloom/device"
)

// Adjust scales value and saturation before colors reach the device. Both are
// factors in [0,1]; 1 leaves the color untouched.
type Adjust struct {
	Brightness float64
	Saturation float64
}

var Identity = Adjust{Brightness: 1, Saturation: 1}

type Mapper struct {
	mapping Mapping
	gamma   [256]uint8
}

// NewMapper builds a mapper for mapping. A gamma of 1 disables correction.
func NewMapper(mapping Mapping, gamma float64) (*Mapper, error) {
	if mapping.Len() == 0 {
		return nil, fmt.Errorf("%w: empty mapping", ErrInvalidMapping)
	}
	if gamma <= 0 || math.IsNaN(gamma) {
		return nil, fmt.Errorf("zone: gamma must be > 0, got %v", gamma)
	}
	m := &Mapper{mapping: mapping}
	for i := range m.gamma {
		m.gamma[i] = uint8(math.Round(255 * math.Pow(float64(i)/255, gamma)))
	}
	return m, nil
}

func (m *Mapper) Mapping() Mapping {
	return m.mapping
}

// Apply produces one device color per LED from the N segment colors.
func (m *Mapper) Apply(colors []colorful.Color, adj Adjust) ([]device.Color, error) {
	if len(colors) != m.mapping.SegmentCount() {
		return nil, fmt.Errorf("zone: got %d segment colors, mapping has %d segments", len(colors), m.mapping.SegmentCount())
	}

	scaled := make([]device.Color, len(colors))
	for i, c := range colors {
		scaled[i] = m.correct(scale(c, adj))
	}

	out := make([]device.Color, m.mapping.Len())
	for led := range out {
		out[led] = scaled[m.mapping.Segment(led)]
	}
	return out, nil
}

func (m *Mapper) correct(c colorful.Color) device.Color {
	r, g, b := c.Clamped().RGB255()
	return device.Color{R: m.gamma[r], G: m.gamma[g], B: m.gamma[b]}
}

func scale(c colorful.Color, adj Adjust) colorful.Color {
	if adj == Identity {
		return c
	}
	h, s, v := c.Clamped().Hsv()
	return colorful.Hsv(h, clamp01(s*adj.Saturation), clamp01(v*adj.Brightness))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
