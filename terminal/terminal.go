// Package terminal previews LED colors as blocks in a true-color terminal.
package terminal

import (
	"context"
	"fmt"
	"sync"

	"github.com/gdamore/tcell/v2"

	"github.com/drichelson/keybloom/device"
)

const (
	cellWidth = 2
	firstRow  = 2
)

var titleStyle = tcell.StyleDefault.Foreground(tcell.ColorWhite).Bold(true)

// Sink draws every LED as a colored block. Pressing q, Esc or Ctrl-C calls the
// quit callback given to New.
type Sink struct {
	screen   tcell.Screen
	ledCount int
	quit     func()

	mu     sync.Mutex
	closed bool
	frames uint64
	done   chan struct{}
}

var _ device.Sink = (*Sink)(nil)

// New takes over screen, or the controlling terminal when screen is nil.
func New(screen tcell.Screen, ledCount int, quit func()) (*Sink, error) {
	if ledCount < 1 {
		return nil, fmt.Errorf("%w: terminal preview needs led_count >= 1, got %d", device.ErrLEDCount, ledCount)
	}
	if screen == nil {
		var err error
		if screen, err = tcell.NewScreen(); err != nil {
			return nil, fmt.Errorf("%w: %w", device.ErrDeviceUnreachable, err)
		}
	}
	if err := screen.Init(); err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrDeviceUnreachable, err)
	}
	screen.HideCursor()
	screen.Clear()

	s := &Sink{screen: screen, ledCount: ledCount, quit: quit, done: make(chan struct{})}
	go s.poll()
	return s, nil
}

func (s *Sink) poll() {
	defer close(s.done)
	for {
		switch ev := s.screen.PollEvent().(type) {
		case nil:
			return
		case *tcell.EventResize:
			s.mu.Lock()
			s.screen.Sync()
			s.mu.Unlock()
		case *tcell.EventKey:
			if ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyCtrlC || ev.Rune() == 'q' {
				if s.quit != nil {
					s.quit()
				}
			}
		}
	}
}

func (s *Sink) Devices(ctx context.Context) ([]device.Info, error) {
	return []device.Info{{ID: 0, Name: "terminal preview", LEDCount: s.ledCount}}, nil
}

func (s *Sink) LEDCount(ctx context.Context, id int) (int, error) {
	if id != 0 {
		return 0, fmt.Errorf("%w: id %d", device.ErrNoDevice, id)
	}
	return s.ledCount, nil
}

// SetLEDs lays the LEDs out left to right, wrapping at the screen edge.
func (s *Sink) SetLEDs(ctx context.Context, id int, colors []device.Color) error {
	if len(colors) != s.ledCount {
		return fmt.Errorf("%w: got %d colors for %d LEDs", device.ErrLEDCount, len(colors), s.ledCount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: preview closed", device.ErrDeviceUnreachable)
	}
	s.frames++

	width, _ := s.screen.Size()
	perRow := max(width/cellWidth, 1)
	s.screen.Clear()
	drawText(s.screen, 0, 0, fmt.Sprintf("keybloom  %d LEDs  frame %d  (q to quit)", s.ledCount, s.frames), titleStyle)
	for i, c := range colors {
		style := tcell.StyleDefault.Foreground(tcell.NewRGBColor(int32(c.R), int32(c.G), int32(c.B)))
		x := (i % perRow) * cellWidth
		y := firstRow + i/perRow
		for dx := 0; dx < cellWidth; dx++ {
			s.screen.SetContent(x+dx, y, '█', nil, style)
		}
	}
	s.screen.Show()
	return nil
}

// Close restores the terminal.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.screen.Fini()
	s.mu.Unlock()

	<-s.done
	return nil
}

func drawText(screen tcell.Screen, x, y int, text string, style tcell.Style) {
	for _, r := range text {
		screen.SetContent(x, y, r, nil, style)
		x++
	}
}
