package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// CAN FD frame flags (struct canfd_frame.flags).
const (
	FlagBRS = 0x01 // bit rate switch
	FlagESI = 0x02 // error state indicator
	FlagFD  = 0x04 // frame is CAN FD (CANFD_FDF)
)

const (
	MaxClassicLen = 8
	MaxFDLen      = 64
)

// Frame is the CAN / CAN FD frame holder used across the decoder.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is the payload length (0..8 classic, 0..64 FD); only the first Len
// bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Flags uint8
	Data  [MaxFDLen]byte
}

// ID returns the identifier without SocketCAN flag bits.
func (f Frame) ID() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Extended reports whether the frame uses a 29-bit identifier.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// Remote reports whether the frame is a remote transmission request.
func (f Frame) Remote() bool { return f.CANID&CAN_RTR_FLAG != 0 }

// IsFD reports whether the frame was received as CAN FD.
func (f Frame) IsFD() bool { return f.Flags&FlagFD != 0 }

// Payload returns the valid payload bytes. The slice aliases the frame's
// storage, so callers must take the frame by pointer or copy to keep it.
func (f *Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxFDLen {
		n = MaxFDLen
	}
	return f.Data[:n]
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len, g.Flags = f.CANID, f.Len, f.Flags
	copy(g.Data[:], f.Data[:])
	return g
}

var fdLens = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen maps a 4-bit data length code to a payload length (CAN FD table).
func DLCToLen(dlc uint8) uint8 { return fdLens[dlc&0x0F] }

// LenToDLC maps a payload length to the smallest DLC able to carry it.
func LenToDLC(n uint8) uint8 {
	for dlc, l := range fdLens {
		if l >= n {
			return uint8(dlc)
		}
	}
	return 15
}

// ValidLen reports whether n is a length a frame can carry on the wire.
func ValidLen(n int, fd bool) bool {
	if n < 0 {
		return false
	}
	if !fd {
		return n <= MaxClassicLen
	}
	if n > MaxFDLen {
		return false
	}
	return fdLens[LenToDLC(uint8(n))] == uint8(n)
}
