// Package socketcan reads classic and FD frames from a Linux raw CAN socket.
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-decoder/internal/can"
)

// Record sizes of struct can_frame and struct canfd_frame.
const (
	ClassicMTU = 16
	FDMTU      = 72
)

// ErrShortRead is returned for records that are neither ClassicMTU nor FDMTU long.
var ErrShortRead = errors.New("socketcan: unexpected record size")

// ParseRecord decodes one record read from a raw CAN socket.
//
//	can_id u32 [0:4] (EFF/RTR/ERR flags included)
//	len    u8  [4]
//	flags  u8  [5]   (FD only; pad on classic)
//	res    2B  [6:8]
//	data       [8:16] classic, [8:72] FD
//
// Fields are in host byte order, which is little-endian on the targets we
// build for.
func ParseRecord(rec []byte, fr *can.Frame) error {
	var maxLen int
	switch len(rec) {
	case ClassicMTU:
		maxLen = can.MaxClassicLen
		fr.Flags = 0
	case FDMTU:
		maxLen = can.MaxFDLen
		fr.Flags = rec[5] | can.FlagFD
	default:
		return fmt.Errorf("%w: %d", ErrShortRead, len(rec))
	}
	n := int(rec[4])
	if n > maxLen {
		n = maxLen
	}
	fr.CANID = binary.LittleEndian.Uint32(rec[0:4])
	fr.Len = uint8(n)
	copy(fr.Data[:], rec[8:8+n])
	return nil
}
