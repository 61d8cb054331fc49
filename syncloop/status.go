package syncloop

import "time"

// Status is a point-in-time view of the loop for the control server.
type Status struct {
	RunID      string    `json:"run_id"`
	Frames     uint64    `json:"frames"`
	Delivered  uint64    `json:"delivered"`
	Segments   []string  `json:"segments"`
	LEDs       []string  `json:"leds"`
	LastUpdate time.Time `json:"last_update"`

	Superseded          int64   `json:"superseded"`
	CaptureErrors       int64   `json:"capture_errors"`
	DeviceErrors        int64   `json:"device_errors"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	BackingOff          bool    `json:"backing_off"`
	FPS                 float64 `json:"fps"`
}

// Status returns a copy safe to hold on to.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.status
	s.Segments = append([]string(nil), s.Segments...)
	s.LEDs = append([]string(nil), s.LEDs...)
	return s
}

func (l *Loop) updateStatus(fn func(*Status)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn != nil {
		fn(&l.status)
	}
	l.status.Frames = l.seq
	l.status.Superseded = l.superseded.Count()
	l.status.CaptureErrors = l.captureErrors.Count()
	l.status.DeviceErrors = l.deviceErrors.Count()
	l.status.ConsecutiveFailures = max(l.captureFailures, l.deviceFailures)
	l.status.BackingOff = l.now().Before(l.backoffUntil)
	l.status.FPS = l.frames.RateMean()
}
