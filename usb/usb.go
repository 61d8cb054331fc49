// Package usb drives an LED strip attached to a Teensy over a USB bulk
// endpoint.
package usb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/gousb"

	"github.com/drichelson/keybloom/device"
)

const (
	teensyVendorID  = 5824
	teensyProductID = 1155

	configNum    = 1
	interfaceNum = 1
	endpointNum  = 3
)

// Frame header understood by the Teensy firmware.
var header = [3]byte{'*', 238, 2}

// Sink is a device.Sink with a single device, ID 0, whose LED count is fixed
// by configuration since the firmware does not report it.
type Sink struct {
	ledCount int
	logger   *slog.Logger

	mu   sync.Mutex
	usb  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	ep   *gousb.OutEndpoint
	name string
}

var (
	_ device.Sink        = (*Sink)(nil)
	_ device.Reconnector = (*Sink)(nil)
)

func Open(ledCount int, logger *slog.Logger) (*Sink, error) {
	if ledCount < 1 {
		return nil, fmt.Errorf("%w: teensy needs led_count >= 1, got %d", device.ErrLEDCount, ledCount)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{ledCount: ledCount, logger: logger.With("component", "usb")}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) open() error {
	s.usb = gousb.NewContext()
	dev, err := s.usb.OpenDeviceWithVIDPID(teensyVendorID, teensyProductID)
	if err != nil {
		s.release()
		return fmt.Errorf("%w: open teensy: %w", device.ErrDeviceUnreachable, err)
	}
	if dev == nil {
		s.release()
		return fmt.Errorf("%w: %w: teensy %04x:%04x not attached", device.ErrDeviceUnreachable, device.ErrNoDevice, teensyVendorID, teensyProductID)
	}
	s.dev = dev
	if err := dev.SetAutoDetach(true); err != nil {
		s.logger.Debug("auto detach unsupported", "err", err)
	}

	if s.cfg, err = dev.Config(configNum); err != nil {
		s.release()
		return fmt.Errorf("%w: select config %d: %w", device.ErrDeviceUnreachable, configNum, err)
	}
	if s.intf, err = s.cfg.Interface(interfaceNum, 0); err != nil {
		s.release()
		return fmt.Errorf("%w: claim bulk transfer interface: %w", device.ErrDeviceUnreachable, err)
	}
	if s.ep, err = s.intf.OutEndpoint(endpointNum); err != nil {
		s.release()
		return fmt.Errorf("%w: endpoint %d: %w", device.ErrProtocolMismatch, endpointNum, err)
	}

	s.name = "Teensy"
	if product, err := dev.Product(); err == nil && product != "" {
		s.name = product
	}
	serial, _ := dev.SerialNumber()
	s.logger.Info("opened USB LED controller",
		"name", s.name,
		"serial", serial,
		"desc", dev.Desc.String(),
		"max_packet", s.ep.Desc.MaxPacketSize)
	return nil
}

func (s *Sink) release() {
	if s.intf != nil {
		s.intf.Close()
		s.intf = nil
	}
	if s.cfg != nil {
		_ = s.cfg.Close()
		s.cfg = nil
	}
	if s.dev != nil {
		_ = s.dev.Close()
		s.dev = nil
	}
	if s.usb != nil {
		_ = s.usb.Close()
		s.usb = nil
	}
	s.ep = nil
}

func (s *Sink) Devices(ctx context.Context) ([]device.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []device.Info{{ID: 0, Name: s.name, LEDCount: s.ledCount}}, nil
}

func (s *Sink) LEDCount(ctx context.Context, id int) (int, error) {
	if id != 0 {
		return 0, fmt.Errorf("%w: id %d", device.ErrNoDevice, id)
	}
	return s.ledCount, nil
}

func (s *Sink) SetLEDs(ctx context.Context, id int, colors []device.Color) error {
	if len(colors) != s.ledCount {
		return fmt.Errorf("%w: got %d colors for %d LEDs", device.ErrLEDCount, len(colors), s.ledCount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ep == nil {
		return fmt.Errorf("%w: teensy not open", device.ErrDeviceUnreachable)
	}
	data := encodeFrame(colors)
	n, err := s.ep.WriteContext(ctx, data)
	if err != nil {
		return fmt.Errorf("%w: bulk transfer: %w", device.ErrDeviceUnreachable, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short bulk transfer, %d of %d bytes", device.ErrDeviceUnreachable, n, len(data))
	}
	return nil
}

func (s *Sink) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
	return s.open()
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
	return nil
}

// encodeFrame lays out the header followed by R,G,B per LED.
func encodeFrame(colors []device.Color) []byte {
	data := make([]byte, len(header)+3*len(colors))
	copy(data, header[:])
	for i, c := range colors {
		off := len(header) + 3*i
		data[off] = c.R
		data[off+1] = c.G
		data[off+2] = c.B
	}
	return data
}
