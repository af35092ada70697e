package serial

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
)

// envelope wraps data the way the adapter does: 2D D4 LEN data... CHECKSUM.
func envelope(data []byte) []byte {
	n := len(data)
	out := make([]byte, n+4)
	out[0], out[1], out[2] = pre0, pre1, byte(n+1)
	sum := out[2] + pre0
	for i, b := range data {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

func rxWire(id uint32, payload []byte) []byte {
	data := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(data[:4], id&can.CAN_EFF_MASK)
	copy(data[4:], payload)
	return envelope(data)
}

func f(id uint32, data ...byte) can.Frame {
	var fr can.Frame
	fr.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	fr.Len = uint8(len(data))
	copy(fr.Data[:], data)
	return fr
}

func wantFrames() []can.Frame {
	return []can.Frame{
		f(0x0001E5A, 0x34, 0x7B, 0x70, 0xD7, 0x94, 0x10, 0x0D, 0xF7),
		f(0x0001F55, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6),
		f(0x0123456),
		f(0x01ABCDE, 0xDE),
	}
}

func stream(frames []can.Frame) []byte {
	out := make([]byte, 0, 256)
	for i := range frames {
		out = append(out, rxWire(frames[i].CANID, frames[i].Payload())...)
	}
	return out
}

func checkFrames(t *testing.T, got, want []can.Frame) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].CANID != want[i].CANID || !bytes.Equal(got[i].Payload(), want[i].Payload()) {
			t.Fatalf("frame %d mismatch\n got  id=0x%X data=% X\n want id=0x%X data=% X",
				i, got[i].CANID, got[i].Payload(), want[i].CANID, want[i].Payload())
		}
	}
}

func TestDecodeStream_Chunked(t *testing.T) {
	codec := Codec{}
	want := wantFrames()
	wire := stream(want)

	var buf bytes.Buffer
	var got []can.Frame
	chunkSizes := []int{1, 2, 3, 4, 5, 7, 11}
	cs := 0
	for pos := 0; pos < len(wire); {
		n := chunkSizes[cs%len(chunkSizes)]
		cs++
		if pos+n > len(wire) {
			n = len(wire) - pos
		}
		buf.Write(wire[pos : pos+n])
		pos += n
		if err := codec.DecodeStream(&buf, func(fr can.Frame) { got = append(got, fr.CopyShallow()) }); err != nil {
			t.Fatalf("DecodeStream error: %v", err)
		}
	}
	checkFrames(t, got, want)
}

func TestDecodeStream_ResyncAfterGarbage(t *testing.T) {
	want := wantFrames()[:2]
	wire := append([]byte{0x00, 0xFF, pre0, 0x11, pre0, pre1, 0x40}, stream(want[:1])...)
	wire = append(wire, 0x99, 0x98)
	wire = append(wire, stream(want[1:])...)
	var got []can.Frame
	buf := bytes.NewBuffer(wire)
	if err := (Codec{}).DecodeStream(buf, func(fr can.Frame) { got = append(got, fr) }); err != nil {
		t.Fatal(err)
	}
	checkFrames(t, got, want)
}

func TestDecodeStream_MalformedCounted(t *testing.T) {
	var buf bytes.Buffer
	before := metrics.Snap().Malformed

	frame := rxWire(1, []byte{0xAA})
	frame[len(frame)-1] ^= 0xFF
	buf.Write(frame)
	if err := (Codec{}).DecodeStream(&buf, func(can.Frame) { t.Fatal("corrupt frame emitted") }); err != nil {
		t.Fatalf("DecodeStream error: %v", err)
	}
	buf.Reset()
	buf.Write([]byte{pre0, pre1, 0x20, 0, 0, 0})
	_ = (Codec{}).DecodeStream(&buf, func(can.Frame) { t.Fatal("bad length emitted") })

	if after := metrics.Snap().Malformed; after < before+2 {
		t.Fatalf("expected two malformed increments, before=%d after=%d", before, after)
	}
}

func TestCompactBuffer(t *testing.T) {
	var b bytes.Buffer
	b.Write(make([]byte, 8192))
	b.Next(8192 - 1100)
	if !CompactBuffer(&b) {
		t.Fatal("expected compaction")
	}
	if b.Len() != 1100 {
		t.Fatalf("len changed: %d", b.Len())
	}
	if CompactBuffer(&b) {
		t.Fatal("second compaction should be a no-op")
	}
}
