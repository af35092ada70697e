package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/transport"
)

const (
	readBufSize = 4096
	// reclaimThreshold is the capacity above which a drained accumulator is
	// reallocated, so a burst of line noise does not pin a large array.
	reclaimThreshold = 16 * 1024
)

// Reader turns the byte stream of a Port into frames.
type Reader struct {
	port    Port
	codec   Codec
	acc     *bytes.Buffer
	chunk   []byte
	pending []can.Frame
	closed  atomic.Bool
}

func NewReader(p Port) *Reader {
	return &Reader{port: p, acc: bytes.NewBuffer(nil), chunk: make([]byte, readBufSize)}
}

// ReadFrame returns the next decoded frame. Read timeouts (EOF from the port)
// are retried; a vanished device or a closed reader ends the stream with an
// error wrapping transport.ErrSourceGone.
func (r *Reader) ReadFrame() (can.Frame, error) {
	for len(r.pending) == 0 {
		if r.closed.Load() {
			return can.Frame{}, fmt.Errorf("serial: %w", transport.ErrSourceGone)
		}
		n, err := r.port.Read(r.chunk)
		if n > 0 {
			r.acc.Write(r.chunk[:n])
			_ = r.codec.DecodeStream(r.acc, func(fr can.Frame) { r.pending = append(r.pending, fr) })
			if r.acc.Len() == 0 && cap(r.acc.Bytes()) > reclaimThreshold {
				r.acc = bytes.NewBuffer(nil)
			}
		}
		if err != nil {
			if len(r.pending) > 0 {
				break
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			var perr *os.PathError
			if errors.As(err, &perr) || r.closed.Load() {
				return can.Frame{}, fmt.Errorf("serial: %w: %w", transport.ErrSourceGone, err)
			}
			return can.Frame{}, fmt.Errorf("serial read: %w", err)
		}
	}
	fr := r.pending[0]
	r.pending = r.pending[1:]
	if len(r.pending) == 0 {
		r.pending = nil
	}
	return fr, nil
}

// Close closes the port; a blocked ReadFrame returns once the port's read
// timeout expires.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.port.Close()
}
