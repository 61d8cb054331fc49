// Package control holds the values that can be changed while the sync runs
// and serves them over HTTP.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var ErrUnknownVar = errors.New("unknown control var")

const (
	VarBrightness = "brightness"
	VarSaturation = "saturation"
	VarSpeed      = "speed"
)

// Vars are stored in thousandths so the JSON state and the HTTP endpoints
// deal in integers.
const scale = 1000.0

// Values is a consistent snapshot of every var.
type Values struct {
	Brightness float64
	Saturation float64
	Speed      float64
}

type Control struct {
	mu   sync.RWMutex
	vars map[string]int
}

// New starts with brightness and saturation as fractions in [0,1] and speed
// in degrees per tick.
func New(brightness, saturation, speed float64) (*Control, error) {
	c := &Control{vars: make(map[string]int, 3)}
	for _, v := range []struct {
		name string
		val  float64
	}{
		{VarBrightness, brightness},
		{VarSaturation, saturation},
		{VarSpeed, speed},
	} {
		if err := c.SetVar(v.name, v.val); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Control) GetVar(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return float64(c.vars[name]) / scale
}

func (c *Control) SetVar(name string, val float64) error {
	if err := check(name, val); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = int(math.Round(val * scale))
	return nil
}

// Names lists the known vars in sorted order.
func Names() []string {
	names := []string{VarBrightness, VarSaturation, VarSpeed}
	sort.Strings(names)
	return names
}

func check(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("%s: %v is not a number", name, val)
	}
	switch name {
	case VarBrightness, VarSaturation:
		if val < 0 || val > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, val)
		}
	case VarSpeed:
		if math.Round(val*scale) < 1 {
			return fmt.Errorf("%s must be at least %v, got %v", name, 1/scale, val)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownVar, name)
	}
	return nil
}

func (c *Control) Values() Values {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Values{
		Brightness: float64(c.vars[VarBrightness]) / scale,
		Saturation: float64(c.vars[VarSaturation]) / scale,
		Speed:      float64(c.vars[VarSpeed]) / scale,
	}
}

type state struct {
	Vars map[string]int
}

// State is the JSON form of every var, in thousandths.
func (c *Control) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, _ := json.Marshal(state{Vars: c.vars})
	return string(b)
}

// Load applies a JSON state produced by State. Vars missing from it keep
// their value; an unknown or out of range var rejects the whole state.
func (c *Control) Load(s string) error {
	var st state
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	for name, v := range st.Vars {
		if err := check(name, float64(v)/scale); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range st.Vars {
		c.vars[name] = v
	}
	return nil
}
