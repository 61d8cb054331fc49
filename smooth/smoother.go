// Package smooth eases each segment's displayed color toward its latest sampled
// color in bounded per-tick steps through HSV space.
//
// State is explicit: callers own a States value, pass it to Step and keep the
// returned one for the next tick.
package smooth

import (
	"fmt"
	"math"
	"time"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	// Targets closer than this to current do not restart a transition.
	restEpsilon       = 1e-9
	achromaticEpsilon = 1e-6
)

type Phase int

const (
	Resting Phase = iota
	Transitioning
)

func (p Phase) String() string {
	switch p {
	case Resting:
		return "resting"
	case Transitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}

// TransitionState is the persistent smoothing record for one segment.
type TransitionState struct {
	Current HSV
	Target  HSV
	Updated time.Time
}

func (s TransitionState) Phase() Phase {
	if s.Current == s.Target {
		return Resting
	}
	return Transitioning
}

// States holds one TransitionState per segment, indexed by segment.
type States []TransitionState

// NewStates starts every segment resting at black.
func NewStates(n int, now time.Time) States {
	states := make(States, n)
	for i := range states {
		states[i].Updated = now
	}
	return states
}

// Colors returns the current color of every segment.
func (s States) Colors() []colorful.Color {
	out := make([]colorful.Color, len(s))
	for i, st := range s {
		out[i] = st.Current.Color()
	}
	return out
}

type Smoother struct {
	// Speed is the largest move per tick: degrees of hue, or Speed/ValueScale of
	// saturation and value.
	Speed float64
	// SnapThreshold is the distance at or below which current jumps to target.
	SnapThreshold float64
}

func New(speed, snapThreshold float64) (*Smoother, error) {
	if speed <= 0 || math.IsNaN(speed) {
		return nil, fmt.Errorf("smooth: speed must be > 0, got %v", speed)
	}
	if snapThreshold < 0 || math.IsNaN(snapThreshold) {
		return nil, fmt.Errorf("smooth: snap threshold must be >= 0, got %v", snapThreshold)
	}
	return &Smoother{Speed: speed, SnapThreshold: snapThreshold}, nil
}

// Advance moves one segment a single tick toward target.
func (m *Smoother) Advance(st TransitionState, target colorful.Color, now time.Time) TransitionState {
	return m.AdvanceHSV(st, FromColor(target), now)
}

func (m *Smoother) AdvanceHSV(st TransitionState, target HSV, now time.Time) TransitionState {
	cur := st.Current.Normalize()
	tgt := target.Normalize()

	// Hue is meaningless for grays and black; never rotate through the wheel for them.
	if tgt.achromatic() {
		tgt.H = cur.H
	} else if cur.achromatic() {
		cur.H = tgt.H
	}

	st.Updated = now
	dist := Distance(cur, tgt)
	if dist <= restEpsilon {
		st.Current, st.Target = cur, cur
		return st
	}
	st.Target = tgt
	if dist <= m.SnapThreshold {
		st.Current = tgt
		return st
	}

	next := HSV{
		H: cur.H + stepToward(HueDelta(cur.H, tgt.H), m.Speed),
		S: cur.S + stepToward(tgt.S-cur.S, m.Speed/ValueScale),
		V: cur.V + stepToward(tgt.V-cur.V, m.Speed/ValueScale),
	}.Normalize()
	if Distance(next, tgt) <= restEpsilon {
		next = tgt
	}
	st.Current = next
	return st
}

// Step advances every segment one tick. targets must hold one color per segment.
func (m *Smoother) Step(states States, targets []colorful.Color, now time.Time) (States, error) {
	if len(targets) != len(states) {
		return states, fmt.Errorf("smooth: got %d targets for %d segments", len(targets), len(states))
	}
	next := make(States, len(states))
	for i := range states {
		next[i] = m.Advance(states[i], targets[i], now)
	}
	return next, nil
}

// stepToward returns delta limited to +/-limit.
func stepToward(delta, limit float64) float64 {
	if math.Abs(delta) <= limit {
		return delta
	}
	return math.Copysign(limit, delta)
}
