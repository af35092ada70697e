//go:build !linux

package socketcan

import (
	"errors"

	"github.com/kstaniek/go-can-decoder/internal/can"
)

// ErrUnsupported is returned by Open outside Linux.
var ErrUnsupported = errors.New("socketcan: unsupported on this platform")

type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (*Device) FD() bool                      { return false }
func (*Device) Close() error                  { return nil }
func (*Device) ReadFrame() (can.Frame, error) { return can.Frame{}, ErrUnsupported }
