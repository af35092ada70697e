// Package serial reads CAN frames from an Ampio-style UART adapter.
package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
)

// Codec decodes the adapter's receive envelopes:
//
//	2D D4 LEN ID(4, BE) PAYLOAD(0..8) CHECKSUM
//
// LEN counts the ID, payload and checksum bytes. CHECKSUM is
// 0x2D + LEN + sum(ID and payload bytes), mod 256. Every frame the adapter
// forwards uses a 29-bit identifier.
type Codec struct{}

const (
	pre0 = 0x2D
	pre1 = 0xD4

	minLn = 4 + 0 + 1
	maxLn = 4 + can.MaxClassicLen + 1
)

var preamble = []byte{pre0, pre1}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	// b.Cap includes the consumed prefix, cap(data) does not
	if len(data)*4 < b.Cap() {
		clone := make([]byte, len(data))
		copy(clone, data)
		*b = *bytes.NewBuffer(clone)
		return true
	}
	return false
}

// DecodeStream consumes complete envelopes from in and emits their frames via
// out. A partial envelope stays buffered for the next call. Bad lengths and
// checksums are counted as malformed and skipped one byte at a time.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return nil
		}

		i := bytes.Index(data, preamble)
		if i < 0 {
			// keep last byte in case the next chunk starts with the second preamble byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return nil
		}

		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		var f can.Frame
		f.CANID = (binary.BigEndian.Uint32(data[3:7]) & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
		payload := data[7 : req-1]
		f.Len = uint8(len(payload))
		copy(f.Data[:], payload)
		out(f)
		in.Next(req)
	}
}
