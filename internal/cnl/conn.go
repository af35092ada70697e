package cnl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/can"
)

// Conn is a client connection to a cannelloni TCP server that only receives.
type Conn struct {
	nc    net.Conn
	r     *bufio.Reader
	codec Codec
}

// dialTCP is swapped in tests.
var dialTCP = func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Dial connects to addr and completes the hello exchange.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	nc, err := dialTCP(ctx, addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("cannelloni dial %s: %w", addr, err)
	}
	if err := Handshake(ctx, nc, timeout); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return NewConn(nc), nil
}

// NewConn wraps an already greeted connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReaderSize(nc, 4096)}
}

// ReadFrame blocks for the next frame.
func (c *Conn) ReadFrame() (can.Frame, error) { return c.codec.Decode(c.r) }

func (c *Conn) Close() error { return c.nc.Close() }

func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }
