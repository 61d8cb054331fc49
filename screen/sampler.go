// Package screen captures a region of the display and reduces it to one
// average color per vertical segment.
package screen

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/lucasb-eyer/go-colorful"
)

// ErrCaptureUnavailable marks a failed or empty capture. It is transient: the
// caller decides whether to retry.
var ErrCaptureUnavailable = errors.New("capture unavailable")

// Pixels below 10% opacity do not count toward a segment's average.
const minAlpha = 26

// Source produces pixel buffers.
type Source interface {
	// Bounds is the full area the source can capture.
	Bounds() image.Rectangle
	Capture(ctx context.Context, r image.Rectangle) (*image.RGBA, error)
}

type Sampler struct {
	source   Source
	region   image.Rectangle
	segments int
	step     int
}

// NewSampler samples region of source into segments colors, reading every
// step-th pixel in both directions. An empty region selects the source's
// bounds.
func NewSampler(source Source, region image.Rectangle, segments, step int) (*Sampler, error) {
	if source == nil {
		return nil, errors.New("screen: nil source")
	}
	if segments < 1 {
		return nil, fmt.Errorf("screen: segment count must be >= 1, got %d", segments)
	}
	if step < 1 {
		step = 1
	}
	if region.Empty() {
		region = source.Bounds()
	}
	if region.Empty() {
		return nil, fmt.Errorf("%w: empty capture region %v", ErrCaptureUnavailable, region)
	}
	return &Sampler{source: source, region: region, segments: segments, step: step}, nil
}

func (s *Sampler) Region() image.Rectangle {
	return s.region
}

func (s *Sampler) Segments() int {
	return s.segments
}

type captured struct {
	img *image.RGBA
	err error
}

// Sample captures the region and returns one color per segment, left to right.
// It returns as soon as ctx is done even if the source is still capturing.
func (s *Sampler) Sample(ctx context.Context) ([]colorful.Color, error) {
	ch := make(chan captured, 1)
	go func() {
		img, err := s.source.Capture(ctx, s.region)
		ch <- captured{img, err}
	}()

	var res captured
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, ctx.Err())
	}
	if res.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, res.err)
	}
	if res.img == nil || res.img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty buffer", ErrCaptureUnavailable)
	}
	return s.average(res.img), nil
}

func (s *Sampler) average(img *image.RGBA) []colorful.Color {
	b := img.Bounds()
	w := b.Dx()
	out := make([]colorful.Color, s.segments)

	var wg sync.WaitGroup
	for i := range out {
		x0 := b.Min.X + i*w/s.segments
		x1 := b.Min.X + (i+1)*w/s.segments
		wg.Add(1)
		go func(i, x0, x1 int) {
			defer wg.Done()
			out[i] = meanColor(img, image.Rect(x0, b.Min.Y, x1, b.Max.Y), s.step)
		}(i, x0, x1)
	}
	wg.Wait()
	return out
}

// meanColor averages every step-th pixel of r, starting at its top left
// corner. An area with no counted pixels is black.
func meanColor(img *image.RGBA, r image.Rectangle, step int) colorful.Color {
	var sr, sg, sb float64
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y += step {
		for x := r.Min.X; x < r.Max.X; x += step {
			off := img.PixOffset(x, y)
			px := img.Pix[off : off+4 : off+4]
			if px[3] < minAlpha {
				continue
			}
			sr += float64(px[0])
			sg += float64(px[1])
			sb += float64(px[2])
			n++
		}
	}
	if n == 0 {
		return colorful.Color{}
	}
	d := 255 * float64(n)
	return colorful.Color{R: sr / d, G: sg / d, B: sb / d}
}
