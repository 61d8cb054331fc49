package screen

import (
	"context"
	"image"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/ojrac/opensimplex-go"
)

// GradientTable maps a position in [0,1] to a color, blending between stops
// in HCL space. Stops must be sorted by Pos.
type GradientTable []struct {
	Col colorful.Color
	Pos float64
}

func (gt GradientTable) At(t float64) colorful.Color {
	for i := 0; i < len(gt)-1; i++ {
		c1, c2 := gt[i], gt[i+1]
		if c1.Pos <= t && t <= c2.Pos {
			t := (t - c1.Pos) / (c2.Pos - c1.Pos)
			return c1.Col.BlendHcl(c2.Col, t).Clamped()
		}
	}
	if len(gt) > 0 && t < gt[0].Pos {
		return gt[0].Col
	}
	return gt[len(gt)-1].Col
}

// DefaultGradient runs red to purple through black.
var DefaultGradient = GradientTable{
	{colorful.Hsv(0, 1, 0.8), 0},
	{colorful.Hsv(30, 1, 0.1), 0.3},
	{colorful.Hsv(200, 0.8, 0.2), 0.7},
	{colorful.Hsv(234, 1, 0.8), 1},
}

// NoiseSource renders drifting simplex noise instead of reading a display.
// It stands in for a screen in headless runs and tests.
type NoiseSource struct {
	noise    opensimplex.Noise
	gradient GradientTable
	bounds   image.Rectangle
	start    time.Time

	// Scale is the noise frequency per pixel, Speed the drift per second.
	Scale float64
	Speed float64
	// Now is the clock used for drift. It defaults to time.Now.
	Now func() time.Time
}

func NewNoiseSource(seed int64, bounds image.Rectangle) *NoiseSource {
	return &NoiseSource{
		noise:    opensimplex.NewNormalized(seed),
		gradient: DefaultGradient,
		bounds:   bounds,
		start:    time.Now(),
		Scale:    0.01,
		Speed:    0.25,
		Now:      time.Now,
	}
}

func (n *NoiseSource) Bounds() image.Rectangle {
	return n.bounds
}

func (n *NoiseSource) Capture(ctx context.Context, r image.Rectangle) (*image.RGBA, error) {
	t := n.Now().Sub(n.start).Seconds() * n.Speed
	img := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < r.Dx(); x++ {
			v := n.noise.Eval3(float64(r.Min.X+x)*n.Scale, float64(r.Min.Y+y)*n.Scale, t)
			cr, cg, cb := n.gradient.At(v).RGB255()
			off := img.PixOffset(x, y)
			img.Pix[off] = cr
			img.Pix[off+1] = cg
			img.Pix[off+2] = cb
			img.Pix[off+3] = 0xff
		}
	}
	return img, nil
}
