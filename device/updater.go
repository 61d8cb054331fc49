package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	resultBuffer     = 16
	minReconnectWait = time.Second
	closeGrace       = 2 * time.Second
)

// Frame is one full LED color array ready for the device.
type Frame struct {
	Seq    uint64
	Colors []Color
}

// Result reports the outcome of one delivered (or failed) frame.
type Result struct {
	Seq     uint64
	Err     error
	Latency time.Duration
}

type Stats struct {
	Sent       uint64
	Failed     uint64
	Superseded uint64
}

// Updater owns a Sink. Frames handed to Submit are delivered by a single lane
// goroutine; a frame still waiting when the next one arrives is replaced, so at
// most one frame is ever pending.
type Updater struct {
	sink     Sink
	deviceID int
	ledCount int
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending *Frame
	wake    chan struct{}
	results chan Result

	// lane-only
	stale bool

	// set while a sink call is running, including one Send gave up on
	busy atomic.Bool

	sent       atomic.Uint64
	failed     atomic.Uint64
	superseded atomic.Uint64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewUpdater(sink Sink, deviceID, ledCount int, timeout time.Duration, logger *slog.Logger) (*Updater, error) {
	if sink == nil {
		return nil, errors.New("device: nil sink")
	}
	if ledCount < 1 {
		return nil, fmt.Errorf("%w: device %d reports %d LEDs", ErrLEDCount, deviceID, ledCount)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("device: timeout must be > 0, got %v", timeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		sink:     sink,
		deviceID: deviceID,
		ledCount: ledCount,
		timeout:  timeout,
		logger:   logger.With("component", "device"),
		wake:     make(chan struct{}, 1),
		results:  make(chan Result, resultBuffer),
		done:     make(chan struct{}),
	}, nil
}

func (u *Updater) LEDCount() int {
	return u.ledCount
}

// Send delivers colors synchronously and never waits longer than the
// configured timeout, even when the sink ignores its context. A sink call that
// outlives the timeout is abandoned, and no new call is made until it returns,
// so at most one sink call is ever outstanding.
func (u *Updater) Send(ctx context.Context, colors []Color) error {
	if len(colors) != u.ledCount {
		return fmt.Errorf("%w: got %d colors for %d LEDs", ErrLEDCount, len(colors), u.ledCount)
	}
	if !u.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: previous update still in flight", ErrDeviceUnreachable)
	}
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		err := u.sink.SetLEDs(ctx, u.deviceID, colors)
		u.busy.Store(false)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDeviceUnreachable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDeviceUnreachable, err)
	case <-ctx.Done():
		u.logger.Warn("device update abandoned", "device", u.deviceID, "timeout", u.timeout, "err", ctx.Err())
		return fmt.Errorf("%w: update not acknowledged: %w", ErrDeviceUnreachable, ctx.Err())
	}
}

// Start launches the delivery lane. It stops when ctx is cancelled or Close is
// called.
func (u *Updater) Start(ctx context.Context) {
	ctx, u.cancel = context.WithCancel(ctx)
	go u.run(ctx)
}

// Submit queues f for delivery without blocking. It reports whether an
// undelivered frame was superseded.
func (u *Updater) Submit(f Frame) bool {
	u.mu.Lock()
	superseded := u.pending != nil
	u.pending = &f
	u.mu.Unlock()

	if superseded {
		u.superseded.Add(1)
	}
	select {
	case u.wake <- struct{}{}:
	default:
	}
	return superseded
}

// Results delivers one Result per frame the lane attempted.
func (u *Updater) Results() <-chan Result {
	return u.results
}

func (u *Updater) Stats() Stats {
	return Stats{
		Sent:       u.sent.Load(),
		Failed:     u.failed.Load(),
		Superseded: u.superseded.Load(),
	}
}

// Close stops the lane, waiting up to a short grace period for an in-flight
// update, then releases the sink.
func (u *Updater) Close() error {
	var err error
	u.closeOnce.Do(func() {
		if u.cancel != nil {
			u.cancel()
			select {
			case <-u.done:
			case <-time.After(closeGrace):
				u.logger.Warn("device lane did not stop within grace period", "grace", closeGrace)
			}
		}
		err = u.sink.Close()
	})
	return err
}

func (u *Updater) run(ctx context.Context) {
	defer close(u.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.wake:
		}

		f := u.take()
		if f == nil {
			continue
		}

		start := time.Now()
		err := u.deliver(ctx, f)
		if ctx.Err() != nil {
			return
		}
		res := Result{Seq: f.Seq, Err: err, Latency: time.Since(start)}
		if err != nil {
			u.failed.Add(1)
			u.stale = true
		} else {
			u.sent.Add(1)
		}
		u.report(res)
	}
}

func (u *Updater) deliver(ctx context.Context, f *Frame) error {
	if u.stale {
		if r, ok := u.sink.(Reconnector); ok {
			rctx, cancel := context.WithTimeout(ctx, max(u.timeout, minReconnectWait))
			err := r.Reconnect(rctx)
			cancel()
			if err != nil {
				return fmt.Errorf("%w: reconnect: %w", ErrDeviceUnreachable, err)
			}
			u.logger.Info("device reconnected", "device", u.deviceID)
		}
		u.stale = false
	}
	return u.Send(ctx, f.Colors)
}

func (u *Updater) take() *Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	f := u.pending
	u.pending = nil
	return f
}

func (u *Updater) report(res Result) {
	select {
	case u.results <- res:
	default:
		u.logger.Debug("result dropped, reader is behind", "seq", res.Seq)
	}
}
