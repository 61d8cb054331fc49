// Package zone spreads segment colors across a strip of physical LEDs.
package zone

import (
	"errors"
	"fmt"
)

var ErrInvalidMapping = errors.New("zone: invalid mapping")

type Layout int

const (
	// Contiguous splits the strip into N runs as equal as integer division
	// allows. The first M mod N runs are one LED longer.
	Contiguous Layout = iota
	// Interleaved assigns LED i to segment i mod N.
	Interleaved
)

func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "contiguous":
		return Contiguous, nil
	case "interleaved":
		return Interleaved, nil
	}
	return 0, fmt.Errorf("%w: unknown layout %q", ErrInvalidMapping, s)
}

func (l Layout) String() string {
	if l == Interleaved {
		return "interleaved"
	}
	return "contiguous"
}

// Mapping assigns every LED index to exactly one segment. It is immutable.
type Mapping struct {
	segments int
	leds     []int
}

// NewMapping builds the LED -> segment table for n segments and m LEDs.
//
// When m < n there are not enough LEDs for every segment; LED i then shows the
// segment at the centre of its share of the screen, floor((2i+1)*n / 2m), for
// both layouts. With reverse the finished table is mirrored so LED 0 shows the
// rightmost segment.
func NewMapping(n, m int, layout Layout, reverse bool) (Mapping, error) {
	if n <= 0 || m <= 0 {
		return Mapping{}, fmt.Errorf("%w: need at least one segment and one LED, got n=%d m=%d", ErrInvalidMapping, n, m)
	}

	leds := make([]int, m)
	switch {
	case m < n:
		for i := range leds {
			leds[i] = ((2*i + 1) * n) / (2 * m)
		}
	case layout == Interleaved:
		for i := range leds {
			leds[i] = i % n
		}
	default:
		base, extra := m/n, m%n
		i := 0
		for seg := 0; seg < n; seg++ {
			size := base
			if seg < extra {
				size++
			}
			for j := 0; j < size; j++ {
				leds[i] = seg
				i++
			}
		}
	}

	if reverse {
		for i, j := 0, len(leds)-1; i < j; i, j = i+1, j-1 {
			leds[i], leds[j] = leds[j], leds[i]
		}
	}
	return Mapping{segments: n, leds: leds}, nil
}

// Segment returns the segment shown by LED led.
func (m Mapping) Segment(led int) int {
	return m.leds[led]
}

// Len is the LED count M.
func (m Mapping) Len() int {
	return len(m.leds)
}

// SegmentCount is N.
func (m Mapping) SegmentCount() int {
	return m.segments
}

// Segments returns a copy of the full table.
func (m Mapping) Segments() []int {
	out := make([]int, len(m.leds))
	copy(out, m.leds)
	return out
}
