package syncloop

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drichelson/keybloom/control"
	"github.com/drichelson/keybloom/device"
	"github.com/drichelson/keybloom/device/devicetest"
	"github.com/drichelson/keybloom/screen"
	"github.com/drichelson/keybloom/smooth"
	"github.com/drichelson/keybloom/zone"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type constSampler struct {
	mu     sync.Mutex
	colors []colorful.Color
	err    error
	calls  int
}

func (s *constSampler) Sample(ctx context.Context) ([]colorful.Color, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]colorful.Color(nil), s.colors...), nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	loop    *Loop
	sink    *devicetest.Sink
	updater *device.Updater
	sampler *constSampler
	logs    *lockedBuffer
	clock   time.Time
}

func newHarness(t *testing.T, cfg Config, segments, leds int, adjust Adjuster) *harness {
	t.Helper()
	logs := &lockedBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sink := devicetest.NewSink(device.Info{ID: 0, Name: "G213", LEDCount: leds})
	u, err := device.NewUpdater(sink, 0, leds, time.Second, logger)
	require.NoError(t, err)

	sm, err := smooth.New(30, 1)
	require.NoError(t, err)
	mapping, err := zone.NewMapping(segments, leds, zone.Contiguous, false)
	require.NoError(t, err)
	mapper, err := zone.NewMapper(mapping, 1)
	require.NoError(t, err)

	red := make([]colorful.Color, segments)
	for i := range red {
		red[i] = colorful.Color{R: 1}
	}
	sampler := &constSampler{colors: red}

	l, err := New(cfg, sampler, sm, mapper, u, adjust, logger)
	require.NoError(t, err)

	h := &harness{loop: l, sink: sink, updater: u, sampler: sampler, logs: logs, clock: epoch}
	l.now = func() time.Time { return h.clock }
	return h
}

// tick advances the clock by one second, runs a tick and waits for the lane to
// report on any frame it submitted.
func (h *harness) tick(t *testing.T) error {
	t.Helper()
	h.clock = h.clock.Add(time.Second)
	before := h.loop.seq
	err := h.loop.Tick(context.Background())
	if h.loop.seq > before {
		require.Eventually(t, func() bool { return len(h.updater.Results()) == 1 }, time.Second, time.Millisecond)
	}
	return err
}

// The meter arbiter goroutine is started once per process and never exits.
func ignoreMetrics() goleak.Option {
	return goleak.IgnoreTopFunction("github.com/rcrowley/go-metrics.(*meterArbiter).tick")
}

func TestDeviceTimeoutsKeepSmoothing(t *testing.T) {
	h := newHarness(t, Config{
		FrameRate:              30,
		MaxConsecutiveFailures: 5,
		Backoff:                Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond},
	}, 1, 2, nil)
	h.updater.Start(context.Background())
	defer h.updater.Close()
	h.sink.FailNext(3)

	var values []float64
	for i := 0; i < 12; i++ {
		require.NoError(t, h.tick(t))
		values = append(values, h.loop.States()[0].Current.V)
	}

	// one smoothing step per tick whether or not the device answered
	for k := 1; k <= 6; k++ {
		assert.InDelta(t, float64(k)/6, values[k-1], 1e-9, "tick %d", k)
	}
	assert.Equal(t, smooth.Resting, h.loop.States()[0].Phase())

	assert.Equal(t, 3, strings.Count(h.logs.String(), `msg="device unreachable"`))
	assert.Equal(t, 3, h.sink.Reconnects())

	stats := h.updater.Stats()
	assert.Equal(t, uint64(3), stats.Failed)
	assert.Equal(t, uint64(6), stats.Sent)

	frames := h.sink.Frames()
	require.Len(t, frames, 6)
	for _, f := range frames {
		assert.Equal(t, []device.Color{{R: 255}, {R: 255}}, f)
	}

	st := h.loop.Status()
	assert.Equal(t, int64(3), st.DeviceErrors)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, []string{"#ff0000", "#ff0000"}, st.LEDs)
	assert.Equal(t, []string{"#ff0000"}, st.Segments)
}

func TestBackoffHoldsSubmits(t *testing.T) {
	h := newHarness(t, Config{
		FrameRate:              30,
		MaxConsecutiveFailures: 10,
		Backoff:                Backoff{Base: 5 * time.Second, Max: time.Minute},
	}, 1, 1, nil)
	h.updater.Start(context.Background())
	defer h.updater.Close()
	h.sink.FailNext(1)

	require.NoError(t, h.tick(t)) // submits, fails
	require.NoError(t, h.tick(t)) // sees failure, backs off
	assert.True(t, h.loop.Status().BackingOff)
	require.NoError(t, h.tick(t))
	require.NoError(t, h.tick(t))
	assert.Equal(t, 1, h.sink.Calls())

	h.clock = h.clock.Add(5 * time.Second)
	require.NoError(t, h.tick(t))
	assert.Equal(t, 2, h.sink.Calls())
}

func TestCaptureFailuresSkipTicks(t *testing.T) {
	h := newHarness(t, Config{FrameRate: 30, MaxConsecutiveFailures: 2}, 2, 4, nil)
	h.updater.Start(context.Background())
	defer h.updater.Close()

	require.NoError(t, h.tick(t))
	before := h.loop.States()

	h.sampler.err = errors.Join(screen.ErrCaptureUnavailable, errors.New("display asleep"))
	require.NoError(t, h.tick(t))
	require.NoError(t, h.tick(t))
	assert.Equal(t, before, h.loop.States())
	assert.Equal(t, int64(2), h.loop.Status().CaptureErrors)

	err := h.tick(t)
	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.ErrorIs(t, err, screen.ErrCaptureUnavailable)
}

func TestCaptureRecoveryResetsCount(t *testing.T) {
	h := newHarness(t, Config{FrameRate: 30, MaxConsecutiveFailures: 1}, 1, 1, nil)
	h.updater.Start(context.Background())
	defer h.updater.Close()

	fail := errors.New("busy")
	for i := 0; i < 3; i++ {
		h.sampler.err = fail
		require.NoError(t, h.tick(t))
		h.sampler.err = nil
		require.NoError(t, h.tick(t))
	}
	assert.Equal(t, int64(3), h.loop.Status().CaptureErrors)
}

func TestDeviceFailureCeiling(t *testing.T) {
	h := newHarness(t, Config{FrameRate: 30, MaxConsecutiveFailures: 1}, 1, 1, nil)
	h.updater.Start(context.Background())
	defer h.updater.Close()
	h.sink.FailNext(10)

	require.NoError(t, h.tick(t))
	require.NoError(t, h.tick(t))
	err := h.tick(t)
	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.ErrorIs(t, err, device.ErrDeviceUnreachable)
}

func TestTickAppliesControlValues(t *testing.T) {
	ctl, err := control.New(0.5, 1, 180)
	require.NoError(t, err)
	h := newHarness(t, Config{FrameRate: 30, MaxConsecutiveFailures: 1}, 1, 1, ctl)
	h.updater.Start(context.Background())
	defer h.updater.Close()

	// a speed of 180 reaches red in one tick
	require.NoError(t, h.tick(t))
	assert.Equal(t, smooth.Resting, h.loop.States()[0].Phase())
	assert.Equal(t, []device.Color{{R: 128}}, h.sink.Frames()[0])

	require.NoError(t, ctl.SetVar(control.VarBrightness, 1))
	require.NoError(t, h.tick(t))
	frames := h.sink.Frames()
	assert.Equal(t, []device.Color{{R: 255}}, frames[len(frames)-1])
}

func TestTickFallsBackToConfiguredSpeed(t *testing.T) {
	h := newHarness(t, Config{FrameRate: 30, MaxConsecutiveFailures: 1}, 1, 1,
		fixed{Brightness: 1, Saturation: 1, Speed: 0})
	h.updater.Start(context.Background())
	defer h.updater.Close()

	for k := 1; k <= 6; k++ {
		require.NoError(t, h.tick(t))
		assert.InDelta(t, float64(k)/6, h.loop.States()[0].Current.V, 1e-9, "tick %d", k)
	}
	assert.Equal(t, smooth.Resting, h.loop.States()[0].Phase())
}

func TestNewValidates(t *testing.T) {
	sink := devicetest.NewSink()
	u, err := device.NewUpdater(sink, 0, 3, time.Second, nil)
	require.NoError(t, err)
	sm, err := smooth.New(30, 1)
	require.NoError(t, err)
	mapping, err := zone.NewMapping(2, 4, zone.Contiguous, false)
	require.NoError(t, err)
	mapper, err := zone.NewMapper(mapping, 1)
	require.NoError(t, err)
	sampler := &constSampler{}

	_, err = New(Config{FrameRate: 30, MaxConsecutiveFailures: 1}, sampler, sm, mapper, u, nil, nil)
	assert.ErrorIs(t, err, device.ErrLEDCount)

	matched, err := device.NewUpdater(sink, 0, 4, time.Second, nil)
	require.NoError(t, err)
	_, err = New(Config{FrameRate: 1e9, MaxConsecutiveFailures: 1}, sampler, sm, mapper, matched, nil, nil)
	require.NoError(t, err)
	for _, rate := range []float64{0, -1, math.Inf(1), math.NaN(), 5e9} {
		_, err = New(Config{FrameRate: rate, MaxConsecutiveFailures: 1}, sampler, sm, mapper, matched, nil, nil)
		assert.Error(t, err, "rate %v", rate)
	}

	_, err = New(Config{FrameRate: 30}, sampler, sm, mapper, u, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{FrameRate: 30, MaxConsecutiveFailures: 1}, nil, sm, mapper, u, nil, nil)
	assert.Error(t, err)
}

func TestRunStopsOnCancelAndReleasesSink(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreMetrics(), goleak.IgnoreCurrent())

	h := newHarness(t, Config{FrameRate: 200, MaxConsecutiveFailures: 5, CaptureTimeout: time.Second}, 3, 6, nil)
	h.loop.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.sink.Frames()) >= 3 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.True(t, h.sink.Closed())
	assert.NotEmpty(t, h.loop.Status().RunID)
	assert.Nil(t, h.loop.Registry().Get("frames"))
	assert.Nil(t, h.loop.Registry().Get("tick"))
}

func TestRunReturnsFatalError(t *testing.T) {
	h := newHarness(t, Config{FrameRate: 500, MaxConsecutiveFailures: 2}, 1, 1, nil)
	h.loop.now = time.Now
	h.sampler.err = screen.ErrCaptureUnavailable

	err := h.loop.Run(context.Background())
	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.True(t, h.sink.Closed())
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 250 * time.Millisecond}
	assert.Equal(t, time.Duration(0), b.Delay(0))
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 250*time.Millisecond, b.Delay(3))
	assert.Equal(t, 250*time.Millisecond, b.Delay(60))

	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))
	assert.Equal(t, 800*time.Millisecond, Backoff{Base: 100 * time.Millisecond}.Delay(4))
}
