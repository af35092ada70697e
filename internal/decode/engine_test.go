package decode

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/dbc"
	"github.com/kstaniek/go-can-decoder/internal/signal"
)

const testDBC = `VERSION ""

BU_: ECU GW

BO_ 256 Status: 8 ECU
 SG_ Value : 0|16@1+ (0.01,0) [0|655.35] "V" GW
 SG_ Ready : 16|1@1+ (1,0) [0|1] "" GW
 SG_ Tail : 56|8@1+ (1,0) [0|255] "" GW

BO_ 2566844672 EngineExt: 8 ECU
 SG_ Temp : 7|12@0- (0.5,0) [-1024|1023.5] "degC" GW

BO_ 1280 Wide: 16 ECU
 SG_ Far : 96|32@1+ (1,0) [0|4294967295] "" GW
`

var fixed = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	db, err := dbc.Load("test.dbc", []byte(testDBC))
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return fixed })}, opts...)
	return New(dbc.NewStore(db), opts...)
}

func frame(id uint32, data ...byte) can.Frame {
	var fr can.Frame
	fr.CANID = id
	fr.Len = uint8(len(data))
	copy(fr.Data[:], data)
	return fr
}

func TestDecodeFrame_EndToEnd(t *testing.T) {
	e := newEngine(t)
	got, err := e.DecodeFrame(frame(0x100, 0x10, 0x27, 0x01, 0, 0, 0, 0, 0x2A))
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Equal(t, "Status", got[0].Message)
	require.Equal(t, "Value", got[0].Signal)
	require.Equal(t, uint64(10000), got[0].Raw)
	require.InDelta(t, 100.0, got[0].Value, 1e-9)
	require.Equal(t, "V", got[0].Unit)
	require.Equal(t, fixed, got[0].Time)
	require.Equal(t, uint32(0x100), got[0].ID)

	require.Equal(t, "Ready", got[1].Signal)
	require.Equal(t, 1.0, got[1].Value)
	require.Equal(t, 42.0, got[2].Value)
}

func TestDecodeFrame_Extended(t *testing.T) {
	e := newEngine(t)
	// 0x100 is only defined as a standard frame
	_, err := e.DecodeFrame(frame(0x100|can.CAN_EFF_FLAG, 0x80, 0x00))
	require.ErrorIs(t, err, ErrUnknownMessage)
	// the extended message's low 11 bits do not name a standard message
	_, err = e.DecodeFrame(frame(0x18FEF100&can.CAN_SFF_MASK, 0x80, 0x00))
	require.ErrorIs(t, err, ErrUnknownMessage)

	got, err := e.DecodeFrame(frame(0x18FEF100|can.CAN_EFF_FLAG, 0x80, 0x00))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Extended)
	require.Equal(t, -1024.0, got[0].Value)
}

func TestDecodeFrame_Unknown(t *testing.T) {
	e := newEngine(t)
	got, err := e.DecodeFrame(frame(0x7FF, 1, 2))
	require.Nil(t, got)
	require.True(t, errors.Is(err, ErrUnknownMessage))
}

func TestDecodeFrame_ShortPayloadPartial(t *testing.T) {
	e := newEngine(t)
	// Three bytes cover Value and Ready but not Tail.
	got, err := e.DecodeFrame(frame(0x100, 0x10, 0x27, 0x00))
	require.ErrorIs(t, err, signal.ErrSignalOutOfBounds)
	require.Len(t, got, 2)
	require.Equal(t, 0.0, got[1].Value)
}

func TestDecodeFrame_FDPayload(t *testing.T) {
	e := newEngine(t)
	data := make([]byte, 16)
	data[12], data[13], data[14], data[15] = 0x78, 0x56, 0x34, 0x12
	fr := frame(0x500, data...)
	fr.Flags = can.FlagFD
	got, err := e.DecodeFrame(fr)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(0x12345678), got[0].Raw)
}

func TestDecodeFrame_Filter(t *testing.T) {
	e := newEngine(t, WithFilter(SignalNames("Tail")))
	got, err := e.DecodeFrame(frame(0x100, 0, 0, 0, 0, 0, 0, 0, 7))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Tail", got[0].Signal)
}

func TestDecodeFrame_SingleBitConstant(t *testing.T) {
	e := newEngine(t, WithDecoder(signal.NewDecoder(signal.WithSingleBitPolicy(signal.SingleBitConstant))))
	got, err := e.DecodeFrame(frame(0x100, 0, 0, 0, 0, 0, 0, 0, 0))
	require.NoError(t, err)
	require.Equal(t, 1.0, got[1].Value)
}

func TestDecodeFrame_Remote(t *testing.T) {
	e := newEngine(t)
	fr := frame(0x100)
	fr.CANID |= can.CAN_RTR_FLAG
	got, err := e.DecodeFrame(fr)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDecodeFrame_ConcurrentWithReload(t *testing.T) {
	db, err := dbc.Load("test.dbc", []byte(testDBC))
	require.NoError(t, err)
	store := dbc.NewStore(db)
	e := New(store, WithSignalGauges(false))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got, err := e.DecodeFrame(frame(0x100, 0x10, 0x27, 0, 0, 0, 0, 0, 0))
				if err != nil || len(got) != 3 {
					t.Errorf("decode: %v (%d samples)", err, len(got))
					return
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		next, err := dbc.Load("test.dbc", []byte(testDBC))
		require.NoError(t, err)
		store.Swap(next)
	}
	wg.Wait()
}
