//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/transport"
)

// rxTimeoutUsec bounds each read so Close is noticed promptly.
const rxTimeoutUsec = 250_000

type Device struct {
	fd       int
	fdFrames bool // kernel accepted CAN_RAW_FD_FRAMES
	closed   atomic.Bool
}

// Open binds a raw CAN socket to iface with CAN FD reception enabled when the
// kernel supports it.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	d := &Device{fd: fd, fdFrames: true}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		// Older kernels may not know this option; fall back to classic frames.
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("enable CAN FD: %w", err)
		}
		d.fdFrames = false
	}
	tv := unix.NsecToTimeval(rxTimeoutUsec * 1000)
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set rx timeout: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return d, nil
}

// FD reports whether CAN FD frames are delivered.
func (d *Device) FD() bool { return d.fdFrames }

func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return unix.Close(d.fd)
}

// ReadFrame blocks for the next classic or FD frame.
func (d *Device) ReadFrame() (can.Frame, error) {
	var (
		fr  can.Frame
		buf [FDMTU]byte
	)
	for {
		if d.closed.Load() {
			return fr, fmt.Errorf("socketcan: %w", transport.ErrSourceGone)
		}
		n, err := unix.Read(d.fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EBADF) || d.closed.Load() {
				return fr, fmt.Errorf("socketcan: %w: %w", transport.ErrSourceGone, err)
			}
			return fr, fmt.Errorf("socketcan read: %w", err)
		}
		return fr, ParseRecord(buf[:n], &fr)
	}
}
