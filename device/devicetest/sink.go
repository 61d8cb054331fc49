// Package devicetest provides an in-memory device.Sink for tests.
package devicetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/drichelson/keybloom/device"
)

// Sink records every frame it accepts. Failures can be scripted with FailNext
// and Hang.
type Sink struct {
	mu         sync.Mutex
	infos      []device.Info
	frames     [][]device.Color
	failNext   int
	hang       chan struct{}
	reconnects int
	closed     bool
	calls      int
}

func NewSink(infos ...device.Info) *Sink {
	return &Sink{infos: infos}
}

// FailNext makes the next n SetLEDs calls fail with a timeout.
func (s *Sink) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Hang makes SetLEDs block, ignoring its context, until release is closed.
func (s *Sink) Hang(release chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang = release
}

func (s *Sink) Devices(ctx context.Context) ([]device.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]device.Info, len(s.infos))
	copy(out, s.infos)
	return out, nil
}

func (s *Sink) LEDCount(ctx context.Context, id int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.infos {
		if d.ID == id {
			return d.LEDCount, nil
		}
	}
	return 0, fmt.Errorf("%w: id %d", device.ErrNoDevice, id)
}

func (s *Sink) SetLEDs(ctx context.Context, id int, colors []device.Color) error {
	s.mu.Lock()
	s.calls++
	hang := s.hang
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", device.ErrDeviceUnreachable, context.DeadlineExceeded)
	}
	s.mu.Unlock()

	if hang != nil {
		<-hang
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	frame := make([]device.Color, len(colors))
	copy(frame, colors)
	s.frames = append(s.frames, frame)
	return nil
}

func (s *Sink) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Frames returns a copy of every accepted frame in delivery order.
func (s *Sink) Frames() [][]device.Color {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]device.Color, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *Sink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Sink) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
