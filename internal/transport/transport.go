// Package transport holds the frame plumbing shared by the receive backends:
// the source interface plus the decode queue.
package transport

import (
	"errors"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/cnl"
)

// ErrSourceGone is wrapped by sources that cannot deliver any more frames
// (device removed, reader closed). Receive loops stop on it.
var ErrSourceGone = errors.New("frame source gone")

// FrameSource yields received frames one at a time. ReadFrame blocks until a
// frame arrives or the source fails; io.EOF marks a finite source as done.
type FrameSource interface {
	ReadFrame() (can.Frame, error)
	Close() error
}

// FrameHandler consumes frames taken off the queue.
type FrameHandler func(can.Frame) error

var _ FrameSource = (*cnl.Conn)(nil)
