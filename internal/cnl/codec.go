// Package cnl speaks the cannelloni TCP protocol: a CANNELLONIv1 hello in
// both directions followed by a stream of frames.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
)

// lenFD marks a CAN FD frame in the length byte; a flags byte follows it.
const lenFD = 0x80

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned for lengths a classic (0..8) or FD frame cannot carry.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (4 + 2 + can.MaxClassicLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames as: 4-byte BE CANID, length byte (bit 7 set for FD),
// FD flags byte when FD, payload. It returns the bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [6]byte
	for i := range frames {
		f := &frames[i]
		binary.BigEndian.PutUint32(hdr[:4], f.CANID)
		h := hdr[:5]
		if f.IsFD() {
			hdr[4] = f.Len | lenFD
			hdr[5] = f.Flags
			h = hdr[:6]
		} else {
			hdr[4] = f.Len
		}
		n, err := w.Write(h)
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if p := f.Payload(); len(p) > 0 {
			n, err = w.Write(p)
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode id: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(hdr[:4])
	if err := readTail(r, hdr[4:5], "len"); err != nil {
		return f, err
	}
	fd := hdr[4]&lenFD != 0
	ln := int(hdr[4] &^ lenFD)
	if fd {
		var fl [1]byte
		if err := readTail(r, fl[:], "flags"); err != nil {
			return f, err
		}
		f.Flags = fl[0] | can.FlagFD
	}
	if !can.ValidLen(ln, fd) {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln > 0 {
		if err := readTail(r, f.Data[:ln], "payload"); err != nil {
			return f, err
		}
	}
	return f, nil
}

// readTail reads the rest of a frame whose id was already consumed; any
// end of stream here is a truncated frame.
func readTail(r io.Reader, p []byte, what string) error {
	if _, err := io.ReadFull(r, p); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("cannelloni decode %s: %w", what, ErrTruncatedFrame)
		}
		return fmt.Errorf("cannelloni decode %s: %w", what, err)
	}
	return nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
