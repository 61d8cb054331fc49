// Package openrgb is a small client for the OpenRGB SDK server protocol. It
// covers what a lighting sync needs: protocol negotiation, device discovery,
// custom mode and whole-strip color updates.
package openrgb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/drichelson/keybloom/device"
)

// DefaultPort is the SDK server's default TCP port.
const DefaultPort = 6742

// Servers speaking protocol 0 never answer the version request.
const versionProbeTimeout = 500 * time.Millisecond

var errNotConnected = errors.New("not connected")

type Client struct {
	addr   string
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	version uint32
}

var (
	_ device.Sink        = (*Client)(nil)
	_ device.Reconnector = (*Client)(nil)
	_ device.CustomModer = (*Client)(nil)
)

// Connect dials addr, negotiates the protocol version and registers name as
// the client name. Dial and I/O failures wrap device.ErrDeviceUnreachable;
// a peer that does not speak the SDK protocol yields device.ErrProtocolMismatch.
func Connect(ctx context.Context, addr, name string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		addr:   addr,
		name:   name,
		logger: logger.With("component", "openrgb", "addr", addr),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ProtocolVersion is the negotiated SDK protocol revision.
func (c *Client) ProtocolVersion() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Client) connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", device.ErrDeviceUnreachable, c.addr, err)
	}
	c.conn = conn

	version, err := c.negotiate(ctx)
	if err != nil {
		c.drop()
		return err
	}
	c.version = version

	name := append([]byte(c.name), 0)
	if err := c.write(ctx, packet(0, pktSetClientName, name)); err != nil {
		c.drop()
		return err
	}
	c.logger.Info("connected to OpenRGB server", "protocol", version)
	return nil
}

func (c *Client) negotiate(ctx context.Context) (uint32, error) {
	if err := c.write(ctx, packet(0, pktRequestProtocolVersion, uint32Payload(ProtocolVersion))); err != nil {
		return 0, err
	}

	probe, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()
	_, payload, err := c.readReply(probe, pktRequestProtocolVersion)
	switch {
	case err == nil:
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn("server did not answer the version request, assuming protocol 0")
		return 0, nil
	default:
		return 0, err
	}
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: version reply of %d bytes", device.ErrProtocolMismatch, len(payload))
	}
	server := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	return min(server, ProtocolVersion), nil
}

// Reconnect drops the current connection, if any, and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
	return c.connect(ctx)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) ControllerCount(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.write(ctx, packet(0, pktRequestControllerCount, nil)); err != nil {
		return 0, err
	}
	_, payload, err := c.readReply(ctx, pktRequestControllerCount)
	if err != nil {
		return 0, err
	}
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: controller count reply of %d bytes", device.ErrProtocolMismatch, len(payload))
	}
	return int(uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24), nil
}

func (c *Client) Controller(ctx context.Context, id int) (Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var req []byte
	if c.version >= 1 {
		req = uint32Payload(c.version)
	}
	if err := c.write(ctx, packet(uint32(id), pktRequestControllerData, req)); err != nil {
		return Controller{}, err
	}
	_, payload, err := c.readReply(ctx, pktRequestControllerData)
	if err != nil {
		return Controller{}, err
	}
	return decodeController(payload, c.version)
}

func (c *Client) Devices(ctx context.Context) ([]device.Info, error) {
	n, err := c.ControllerCount(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]device.Info, 0, n)
	for i := 0; i < n; i++ {
		ctrl, err := c.Controller(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("controller %d: %w", i, err)
		}
		infos = append(infos, device.Info{ID: i, Name: ctrl.Name, LEDCount: len(ctrl.LEDs)})
	}
	return infos, nil
}

func (c *Client) LEDCount(ctx context.Context, id int) (int, error) {
	ctrl, err := c.Controller(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(ctrl.LEDs), nil
}

// SetCustomMode switches controller id to direct control.
func (c *Client) SetCustomMode(ctx context.Context, id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(ctx, packet(uint32(id), pktSetCustomMode, nil))
}

// SetLEDs sends the whole LED array of controller id. The server does not
// acknowledge updates, so success means the packet was written.
func (c *Client) SetLEDs(ctx context.Context, id int, colors []device.Color) error {
	if len(colors) > 0xFFFF {
		return fmt.Errorf("%w: %d colors exceed the protocol limit", device.ErrLEDCount, len(colors))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(ctx, packet(uint32(id), pktUpdateLEDs, encodeUpdateLEDs(colors)))
}

// bind applies ctx to the connection: its deadline, and cancellation by
// expiring any blocked read or write.
func (c *Client) bind(ctx context.Context) (net.Conn, func(), error) {
	conn := c.conn
	if conn == nil {
		return nil, nil, fmt.Errorf("%w: %w", device.ErrDeviceUnreachable, errNotConnected)
	}
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return conn, func() { stop() }, nil
}

func (c *Client) write(ctx context.Context, pkt []byte) error {
	conn, release, err := c.bind(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, err := conn.Write(pkt); err != nil {
		c.drop()
		return c.ioError(ctx, "write", err)
	}
	return nil
}

// readReply reads packets until one with id want arrives. Device list change
// notifications are skipped.
func (c *Client) readReply(ctx context.Context, want uint32) (header, []byte, error) {
	conn, release, err := c.bind(ctx)
	if err != nil {
		return header{}, nil, err
	}
	defer release()

	buf := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return header{}, nil, c.readError(ctx, want, err)
		}
		h, err := decodeHeader(buf)
		if err != nil {
			c.drop()
			return header{}, nil, err
		}
		payload := make([]byte, h.Size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return header{}, nil, c.readError(ctx, want, err)
		}
		switch h.ID {
		case want:
			return h, payload, nil
		case pktDeviceListUpdated:
			c.logger.Info("server reports device list change")
		default:
			c.drop()
			return header{}, nil, fmt.Errorf("%w: expected packet %d, got %d", device.ErrProtocolMismatch, want, h.ID)
		}
	}
}

// readError keeps the connection open after a version probe timeout, which is
// expected from protocol 0 servers; every other failure drops it.
func (c *Client) readError(ctx context.Context, want uint32, err error) error {
	var ne net.Error
	if want == pktRequestProtocolVersion && errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", device.ErrDeviceUnreachable, context.DeadlineExceeded)
	}
	c.drop()
	return c.ioError(ctx, "read", err)
}

func (c *Client) ioError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", device.ErrDeviceUnreachable, op, ctx.Err())
	}
	return fmt.Errorf("%w: %s: %w", device.ErrDeviceUnreachable, op, err)
}

func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
