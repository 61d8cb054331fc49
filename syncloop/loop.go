// Package syncloop drives the capture, smooth, map and update pipeline at a
// fixed frame rate.
package syncloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/rcrowley/go-metrics"

	"github.com/drichelson/keybloom/config"
	"github.com/drichelson/keybloom/control"
	"github.com/drichelson/keybloom/device"
	"github.com/drichelson/keybloom/smooth"
	"github.com/drichelson/keybloom/zone"
)

var ErrTooManyFailures = errors.New("too many consecutive failures")

const fpsWindow = 1000

type Config struct {
	FrameRate              float64
	CaptureTimeout         time.Duration
	MaxConsecutiveFailures int
	Backoff                Backoff
}

type Sampler interface {
	Sample(ctx context.Context) ([]colorful.Color, error)
}

// Adjuster supplies the runtime brightness, saturation and speed.
type Adjuster interface {
	Values() control.Values
}

type fixed control.Values

func (f fixed) Values() control.Values { return control.Values(f) }

// Loop owns the smoothing state and the updater. Tick and Run must be called
// from one goroutine; Status is safe from any.
type Loop struct {
	cfg      Config
	interval time.Duration
	sampler  Sampler
	speed    float64
	snap     float64
	mapper   *zone.Mapper
	updater  *device.Updater
	adjust   Adjuster
	logger   *slog.Logger
	now      func() time.Time

	runID  string
	states smooth.States
	seq    uint64

	captureFailures int
	deviceFailures  int
	backoffUntil    time.Time
	lastErr         error
	checkpoint      time.Time

	registry      metrics.Registry
	tickTimer     metrics.Timer
	frames        metrics.Meter
	superseded    metrics.Counter
	captureErrors metrics.Counter
	deviceErrors  metrics.Counter

	mu     sync.RWMutex
	status Status
}

// New wires a loop. adjust may be nil, in which case the smoother's speed is
// used with no brightness or saturation change.
func New(cfg Config, sampler Sampler, smoother *smooth.Smoother, mapper *zone.Mapper, updater *device.Updater, adjust Adjuster, logger *slog.Logger) (*Loop, error) {
	switch {
	case sampler == nil || smoother == nil || mapper == nil || updater == nil:
		return nil, errors.New("syncloop: sampler, smoother, mapper and updater are required")
	case !config.ValidFrameRate(cfg.FrameRate):
		return nil, fmt.Errorf("syncloop: frame rate must be finite, > 0 and at most 1e9, got %v", cfg.FrameRate)
	case cfg.MaxConsecutiveFailures < 1:
		return nil, fmt.Errorf("syncloop: failure ceiling must be >= 1, got %d", cfg.MaxConsecutiveFailures)
	case mapper.Mapping().Len() != updater.LEDCount():
		return nil, fmt.Errorf("%w: mapping covers %d LEDs, device has %d", device.ErrLEDCount, mapper.Mapping().Len(), updater.LEDCount())
	}
	if adjust == nil {
		adjust = fixed{Brightness: 1, Saturation: 1, Speed: smoother.Speed}
	}
	if logger == nil {
		logger = slog.Default()
	}

	runID := uuid.NewString()
	registry := metrics.NewRegistry()
	now := time.Now()
	l := &Loop{
		cfg:      cfg,
		interval: time.Duration(float64(time.Second) / cfg.FrameRate),
		sampler:  sampler,
		speed:    smoother.Speed,
		snap:     smoother.SnapThreshold,
		mapper:   mapper,
		updater:  updater,
		adjust:   adjust,
		logger:   logger.With("component", "syncloop", "run", runID),
		now:      time.Now,

		runID:      runID,
		states:     smooth.NewStates(mapper.Mapping().SegmentCount(), now),
		checkpoint: now,

		registry:      registry,
		tickTimer:     metrics.NewRegisteredTimer("tick", registry),
		frames:        metrics.NewRegisteredMeter("frames", registry),
		superseded:    metrics.NewRegisteredCounter("superseded", registry),
		captureErrors: metrics.NewRegisteredCounter("capture.errors", registry),
		deviceErrors:  metrics.NewRegisteredCounter("device.errors", registry),
	}
	l.status = Status{RunID: runID}
	return l, nil
}

func (l *Loop) Registry() metrics.Registry {
	return l.registry
}

// States returns a copy of the current smoothing state.
func (l *Loop) States() smooth.States {
	out := make(smooth.States, len(l.states))
	copy(out, l.states)
	return out
}

// Run starts the updater and ticks until ctx is done or a fatal error occurs.
// The updater, and with it the sink, is closed on return.
func (l *Loop) Run(ctx context.Context) error {
	l.updater.Start(ctx)
	defer func() {
		if err := l.updater.Close(); err != nil {
			l.logger.Warn("failed to close device", "err", err)
		}
	}()
	// stops the meters so the shared arbiter drops them
	defer l.registry.UnregisterAll()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.logger.Info("sync started", "interval", l.interval, "segments", len(l.states), "leds", l.updater.LEDCount())

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("sync stopped", "frames", l.seq)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Tick runs one pipeline pass. A failed capture skips the tick and a failed
// device update starts a backoff; either only becomes an error once it has
// happened more than MaxConsecutiveFailures times in a row.
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	defer l.tickTimer.UpdateSince(start)

	l.drainResults()
	if err := l.checkCeiling(); err != nil {
		return err
	}

	cctx := ctx
	if l.cfg.CaptureTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, l.cfg.CaptureTimeout)
		defer cancel()
	}
	colors, err := l.sampler.Sample(cctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		l.captureErrors.Inc(1)
		l.captureFailures++
		l.lastErr = err
		l.logger.Warn("capture failed, skipping tick", "err", err, "consecutive", l.captureFailures)
		l.updateStatus(nil)
		return l.checkCeiling()
	}
	l.captureFailures = 0

	now := l.now()
	v := l.adjust.Values()
	speed := v.Speed
	if !(speed > 0) {
		speed = l.speed
	}
	sm := smooth.Smoother{Speed: speed, SnapThreshold: l.snap}
	states, err := sm.Step(l.states, colors, now)
	if err != nil {
		return fmt.Errorf("syncloop: %w", err)
	}
	l.states = states

	leds, err := l.mapper.Apply(states.Colors(), zone.Adjust{Brightness: v.Brightness, Saturation: v.Saturation})
	if err != nil {
		return fmt.Errorf("syncloop: %w", err)
	}

	if now.Before(l.backoffUntil) {
		l.logger.Debug("device backing off, frame not sent", "until", l.backoffUntil)
	} else {
		l.seq++
		if l.updater.Submit(device.Frame{Seq: l.seq, Colors: leds}) {
			l.superseded.Inc(1)
		}
		l.frames.Mark(1)
		if l.seq%fpsWindow == 0 {
			l.logger.Info("frame rate", "fps", fpsWindow/now.Sub(l.checkpoint).Seconds(), "tick_p95", time.Duration(l.tickTimer.Percentile(0.95)))
			l.checkpoint = now
		}
	}

	l.updateStatus(func(s *Status) {
		s.Segments = hexColors(states.Colors())
		s.LEDs = make([]string, len(leds))
		for i, c := range leds {
			s.LEDs[i] = c.Hex()
		}
	})
	return nil
}

func (l *Loop) drainResults() {
	for {
		select {
		case res := <-l.updater.Results():
			l.handleResult(res)
		default:
			return
		}
	}
}

func (l *Loop) handleResult(res device.Result) {
	if res.Err == nil {
		l.deviceFailures = 0
		l.backoffUntil = time.Time{}
		l.updateStatus(func(s *Status) {
			s.LastUpdate = l.now()
			s.Delivered = res.Seq
		})
		return
	}

	l.deviceErrors.Inc(1)
	l.deviceFailures++
	l.lastErr = res.Err
	delay := l.cfg.Backoff.Delay(l.deviceFailures)
	l.backoffUntil = l.now().Add(delay)
	l.logger.Warn("device unreachable",
		"seq", res.Seq,
		"err", res.Err,
		"consecutive", l.deviceFailures,
		"backoff", delay)
}

func (l *Loop) checkCeiling() error {
	n := max(l.captureFailures, l.deviceFailures)
	if n <= l.cfg.MaxConsecutiveFailures {
		return nil
	}
	return fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyFailures, n, l.lastErr)
}

func hexColors(colors []colorful.Color) []string {
	out := make([]string, len(colors))
	for i, c := range colors {
		out[i] = c.Clamped().Hex()
	}
	return out
}
