// Package device is the boundary to the LED hardware: the Sink contract every
// transport implements and the Updater that owns a sink on its own lane.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDeviceUnreachable covers lost connections, refused dials and timeouts.
	// The sync loop treats it as transient.
	ErrDeviceUnreachable = errors.New("device unreachable")
	// ErrProtocolMismatch means the peer answered but not in a way we
	// understand. Retrying will not help.
	ErrProtocolMismatch = errors.New("device protocol mismatch")
	ErrNoDevice         = errors.New("no matching device")
	ErrLEDCount         = errors.New("led count mismatch")
)

type Color struct {
	R, G, B uint8
}

func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

type Info struct {
	ID       int
	Name     string
	LEDCount int
}

// Sink is a device-control transport.
type Sink interface {
	Devices(ctx context.Context) ([]Info, error)
	LEDCount(ctx context.Context, id int) (int, error)
	// SetLEDs replaces the whole color array of device id. len(colors) must
	// match the device's LED count.
	SetLEDs(ctx context.Context, id int, colors []Color) error
	Close() error
}

// Reconnector is implemented by sinks that can re-establish a dropped link.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// CustomModer is implemented by sinks whose devices must be switched into a
// direct-control mode before they accept colors.
type CustomModer interface {
	SetCustomMode(ctx context.Context, id int) error
}

// FindDevice picks the first device whose name contains name, ignoring case.
// Failing that it falls back to the first device with "keyboard" in its name.
func FindDevice(ctx context.Context, sink Sink, name string) (Info, error) {
	devices, err := sink.Devices(ctx)
	if err != nil {
		return Info{}, err
	}
	want := strings.ToLower(name)
	if want != "" {
		for _, d := range devices {
			if strings.Contains(strings.ToLower(d.Name), want) {
				return d, nil
			}
		}
	}
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), "keyboard") {
			return d, nil
		}
	}
	return Info{}, fmt.Errorf("%w: %q among %d devices", ErrNoDevice, name, len(devices))
}
