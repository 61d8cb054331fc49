package usb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drichelson/keybloom/device"
)

func TestEncodeFrame(t *testing.T) {
	data := encodeFrame([]device.Color{{R: 1, G: 2, B: 3}, {R: 255}})
	assert.Equal(t, []byte{'*', 238, 2, 1, 2, 3, 255, 0, 0}, data)

	assert.Equal(t, []byte{'*', 238, 2}, encodeFrame(nil))
}

func TestOpenRejectsMissingLEDCount(t *testing.T) {
	_, err := Open(0, nil)
	assert.ErrorIs(t, err, device.ErrLEDCount)
}

func TestClosedSinkIsUnreachable(t *testing.T) {
	s := &Sink{ledCount: 2, name: "Teensy"}

	err := s.SetLEDs(context.Background(), 0, []device.Color{{}, {}})
	assert.ErrorIs(t, err, device.ErrDeviceUnreachable)

	err = s.SetLEDs(context.Background(), 0, []device.Color{{}})
	assert.ErrorIs(t, err, device.ErrLEDCount)

	infos, err := s.Devices(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []device.Info{{ID: 0, Name: "Teensy", LEDCount: 2}}, infos)

	_, err = s.LEDCount(context.Background(), 1)
	assert.ErrorIs(t, err, device.ErrNoDevice)
	assert.NoError(t, s.Close())
}
