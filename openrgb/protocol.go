package openrgb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/drichelson/keybloom/device"
)

// SDK wire format: a 16 byte little-endian header ("ORGB", device index,
// packet id, payload size) followed by the payload.
const (
	headerSize = 16

	// ProtocolVersion is the newest SDK revision this client speaks. Newer
	// revisions append zone segments and flags we do not parse.
	ProtocolVersion = 3
)

var magic = [4]byte{'O', 'R', 'G', 'B'}

const (
	pktRequestControllerCount uint32 = 0
	pktRequestControllerData  uint32 = 1
	pktRequestProtocolVersion uint32 = 40
	pktSetClientName          uint32 = 50
	pktDeviceListUpdated      uint32 = 100
	pktUpdateLEDs             uint32 = 1050
	pktSetCustomMode          uint32 = 1100
)

// maxPayload bounds what we are willing to allocate for one reply.
const maxPayload = 16 << 20

type header struct {
	Device uint32
	ID     uint32
	Size   uint32
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	copy(buf, magic[:])
	binary.LittleEndian.PutUint32(buf[4:], h.Device)
	binary.LittleEndian.PutUint32(buf[8:], h.ID)
	binary.LittleEndian.PutUint32(buf[12:], h.Size)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if !bytes.Equal(buf[:4], magic[:]) {
		return header{}, fmt.Errorf("%w: bad magic %q", device.ErrProtocolMismatch, buf[:4])
	}
	h := header{
		Device: binary.LittleEndian.Uint32(buf[4:]),
		ID:     binary.LittleEndian.Uint32(buf[8:]),
		Size:   binary.LittleEndian.Uint32(buf[12:]),
	}
	if h.Size > maxPayload {
		return header{}, fmt.Errorf("%w: payload of %d bytes", device.ErrProtocolMismatch, h.Size)
	}
	return h, nil
}

func packet(dev, id uint32, payload []byte) []byte {
	out := encodeHeader(header{Device: dev, ID: id, Size: uint32(len(payload))})
	return append(out, payload...)
}

func uint32Payload(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

// encodeUpdateLEDs builds the RGBCONTROLLER_UPDATELEDS payload: total size,
// color count, then one R,G,B,pad quad per LED.
func encodeUpdateLEDs(colors []device.Color) []byte {
	size := 4 + 2 + 4*len(colors)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(size))
	binary.LittleEndian.PutUint16(buf[4:], uint16(len(colors)))
	for i, c := range colors {
		off := 6 + 4*i
		buf[off] = c.R
		buf[off+1] = c.G
		buf[off+2] = c.B
	}
	return buf
}

// Controller is the subset of RGBController data we use.
type Controller struct {
	Type        int32
	Name        string
	Vendor      string
	Description string
	Version     string
	Serial      string
	Location    string
	ActiveMode  int32
	Modes       []string
	Zones       []Zone
	LEDs        []string
}

type Zone struct {
	Name     string
	Type     int32
	LEDCount uint32
}

var errShort = errors.New("short controller data")

type reader struct {
	r   *bytes.Reader
	err error
}

func (r *reader) read(v any) {
	if r.err != nil {
		return
	}
	if err := binary.Read(r.r, binary.LittleEndian, v); err != nil {
		r.err = errShort
	}
}

func (r *reader) u16() uint16 {
	var v uint16
	r.read(&v)
	return v
}

func (r *reader) u32() uint32 {
	var v uint32
	r.read(&v)
	return v
}

func (r *reader) i32() int32 {
	var v int32
	r.read(&v)
	return v
}

func (r *reader) skip(n int64) {
	if r.err != nil {
		return
	}
	if n > int64(r.r.Len()) {
		r.err = errShort
		return
	}
	_, _ = r.r.Seek(n, io.SeekCurrent)
}

// str reads a length-prefixed, NUL-terminated string.
func (r *reader) str() string {
	n := r.u16()
	if r.err != nil {
		return ""
	}
	if int(n) > r.r.Len() {
		r.err = errShort
		return ""
	}
	buf := make([]byte, n)
	_, _ = io.ReadFull(r.r, buf)
	return string(bytes.TrimRight(buf, "\x00"))
}

// decodeController parses a REQUEST_CONTROLLER_DATA reply for the negotiated
// protocol version.
func decodeController(payload []byte, version uint32) (Controller, error) {
	r := &reader{r: bytes.NewReader(payload)}
	var c Controller

	r.u32() // data size
	c.Type = r.i32()
	c.Name = r.str()
	if version >= 1 {
		c.Vendor = r.str()
	}
	c.Description = r.str()
	c.Version = r.str()
	c.Serial = r.str()
	c.Location = r.str()

	numModes := r.u16()
	c.ActiveMode = r.i32()
	for i := 0; i < int(numModes) && r.err == nil; i++ {
		c.Modes = append(c.Modes, r.str())
		r.i32() // value
		r.u32() // flags
		r.u32() // speed min
		r.u32() // speed max
		if version >= 3 {
			r.u32() // brightness min
			r.u32() // brightness max
		}
		r.u32() // colors min
		r.u32() // colors max
		r.u32() // speed
		if version >= 3 {
			r.u32() // brightness
		}
		r.u32() // direction
		r.u32() // color mode
		r.skip(4 * int64(r.u16()))
	}

	numZones := r.u16()
	for i := 0; i < int(numZones) && r.err == nil; i++ {
		z := Zone{Name: r.str(), Type: r.i32()}
		r.u32() // leds min
		r.u32() // leds max
		z.LEDCount = r.u32()
		if matrixLen := r.u16(); matrixLen > 0 {
			r.skip(int64(matrixLen))
		}
		c.Zones = append(c.Zones, z)
	}

	numLEDs := r.u16()
	for i := 0; i < int(numLEDs) && r.err == nil; i++ {
		c.LEDs = append(c.LEDs, r.str())
		r.u32() // value
	}

	if r.err != nil {
		return Controller{}, fmt.Errorf("%w: %v", device.ErrProtocolMismatch, r.err)
	}
	return c, nil
}
