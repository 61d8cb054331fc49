package screen

import (
	"context"
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// DisplaySource captures from one physical display.
type DisplaySource struct {
	index  int
	bounds image.Rectangle
}

// NewDisplaySource selects display index, counted from 0 in the order the
// platform reports them.
func NewDisplaySource(index int) (*DisplaySource, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, fmt.Errorf("%w: no active displays", ErrCaptureUnavailable)
	}
	if index < 0 || index >= n {
		return nil, fmt.Errorf("%w: display %d requested, %d active", ErrCaptureUnavailable, index, n)
	}
	return &DisplaySource{index: index, bounds: screenshot.GetDisplayBounds(index)}, nil
}

func (d *DisplaySource) Bounds() image.Rectangle {
	return d.bounds
}

// Capture grabs r in virtual screen coordinates. The platform call cannot be
// interrupted; ctx is only checked before it starts.
func (d *DisplaySource) Capture(ctx context.Context, r image.Rectangle) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return screenshot.CaptureRect(r)
}
