package terminal

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drichelson/keybloom/device"
)

// newSink starts a preview on a simulated screen. The size is set after
// Init, which resets it.
func newSink(t *testing.T, width, height, leds int, quit func()) (*Sink, tcell.SimulationScreen) {
	t.Helper()
	screen := tcell.NewSimulationScreen("UTF-8")
	s, err := New(screen, leds, quit)
	require.NoError(t, err)
	screen.SetSize(width, height)
	return s, screen
}

func TestSetLEDsDrawsBlocks(t *testing.T) {
	s, screen := newSink(t, 4, 6, 3, nil)
	defer s.Close()

	require.NoError(t, s.SetLEDs(context.Background(), 0, []device.Color{{R: 255}, {G: 128}, {B: 1}}))

	cell := func(x, y int) (rune, tcell.Color) {
		r, _, style, _ := screen.GetContent(x, y)
		fg, _, _ := style.Decompose()
		return r, fg
	}

	r, fg := cell(0, firstRow)
	assert.Equal(t, '█', r)
	assert.Equal(t, tcell.NewRGBColor(255, 0, 0), fg)
	_, fg = cell(1, firstRow)
	assert.Equal(t, tcell.NewRGBColor(255, 0, 0), fg)
	_, fg = cell(2, firstRow)
	assert.Equal(t, tcell.NewRGBColor(0, 128, 0), fg)
	// a 4 column screen holds two LEDs per row
	_, fg = cell(0, firstRow+1)
	assert.Equal(t, tcell.NewRGBColor(0, 0, 1), fg)
}

func TestSetLEDsValidates(t *testing.T) {
	s, _ := newSink(t, 20, 5, 2, nil)

	err := s.SetLEDs(context.Background(), 0, []device.Color{{}})
	assert.ErrorIs(t, err, device.ErrLEDCount)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	err = s.SetLEDs(context.Background(), 0, []device.Color{{}, {}})
	assert.ErrorIs(t, err, device.ErrDeviceUnreachable)

	_, err = New(tcell.NewSimulationScreen("UTF-8"), 0, nil)
	assert.ErrorIs(t, err, device.ErrLEDCount)
}

func TestQuitKey(t *testing.T) {
	var quits atomic.Int32
	s, screen := newSink(t, 20, 5, 1, func() { quits.Add(1) })
	defer s.Close()

	screen.InjectKey(tcell.KeyRune, 'x', tcell.ModNone)
	screen.InjectKey(tcell.KeyRune, 'q', tcell.ModNone)
	require.Eventually(t, func() bool { return quits.Load() == 1 }, time.Second, time.Millisecond)

	infos, err := s.Devices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []device.Info{{ID: 0, Name: "terminal preview", LEDCount: 1}}, infos)
}
