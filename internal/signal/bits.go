package signal

import (
	"fmt"
	"math/big"
)

// fastPathBytes is the widest payload packed into a native uint64.
const fastPathBytes = 8

// BigEndianMSB converts a Motorola start bit into the index of the signal's
// most significant bit, counted from bit 0 of the MSB-first packed payload.
// row = startBit/8 is the byte index from the front of the payload and
// column = startBit%8 the bit inside that byte.
func BigEndianMSB(startBit uint16, payloadBytes int) int {
	row := int(startBit / 8)
	col := int(startBit % 8)
	invertedRow := payloadBytes - 1 - row
	return invertedRow*8 + col
}

// BigEndianLSB returns the least significant bit index of a Motorola signal
// in the MSB-first packed payload. It fails with ErrSignalOutOfBounds when
// the start row lies outside the payload or the signal runs past bit 0.
func BigEndianLSB(startBit uint16, length uint8, payloadBytes int) (int, error) {
	if int(startBit/8) >= payloadBytes {
		return 0, fmt.Errorf("%w: start bit %d in %d-byte payload", ErrSignalOutOfBounds, startBit, payloadBytes)
	}
	lsb := BigEndianMSB(startBit, payloadBytes) + 1 - int(length)
	if lsb < 0 {
		return 0, fmt.Errorf("%w: %d bits from start bit %d in %d-byte payload", ErrSignalOutOfBounds, length, startBit, payloadBytes)
	}
	return lsb, nil
}

// LittleEndianLSB returns the least significant bit index of an Intel signal
// in the LSB-first packed payload, checking the span fits.
func LittleEndianLSB(startBit uint16, length uint8, payloadBytes int) (int, error) {
	if int(startBit)+int(length) > payloadBytes*8 {
		return 0, fmt.Errorf("%w: %d bits from start bit %d in %d-byte payload", ErrSignalOutOfBounds, length, startBit, payloadBytes)
	}
	return int(startBit), nil
}

func mask(length uint8) uint64 {
	if length >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << length) - 1
}

// ExtractRaw returns the signal's bits right-aligned in a uint64. Payloads of
// up to 8 bytes are packed natively; wider CAN FD payloads go through big.Int.
func ExtractRaw(payload []byte, d *Descriptor) (uint64, error) {
	if d.Length == 0 || d.Length > MaxLength {
		return 0, fmt.Errorf("%w: %s has %d bits", ErrInvalidLength, d.Name, d.Length)
	}
	n := len(payload)
	var (
		lsb int
		err error
	)
	switch d.ByteOrder {
	case LittleEndian:
		lsb, err = LittleEndianLSB(d.StartBit, d.Length, n)
	case BigEndian:
		lsb, err = BigEndianLSB(d.StartBit, d.Length, n)
	default:
		return 0, fmt.Errorf("%w: %s byte order %d", ErrInvalidDescriptor, d.Name, d.ByteOrder)
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", d.Name, err)
	}
	if n <= fastPathBytes {
		var packed uint64
		if d.ByteOrder == LittleEndian {
			packed = packLittleEndian(payload)
		} else {
			packed = packBigEndian(payload)
		}
		return (packed >> uint(lsb)) & mask(d.Length), nil
	}
	var packed *big.Int
	if d.ByteOrder == LittleEndian {
		packed = packLittleEndianBig(payload)
	} else {
		packed = new(big.Int).SetBytes(payload)
	}
	packed.Rsh(packed, uint(lsb))
	packed.And(packed, new(big.Int).SetUint64(mask(d.Length)))
	return packed.Uint64(), nil
}

func packLittleEndian(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * uint(i))
	}
	return v
}

func packBigEndian(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func packLittleEndianBig(b []byte) *big.Int {
	rev := make([]byte, len(b))
	for i, c := range b {
		rev[len(b)-1-i] = c
	}
	return new(big.Int).SetBytes(rev)
}

// AsSigned reinterprets the low width bits of raw as a two's-complement
// integer of that width.
func AsSigned(raw uint64, width uint8) int64 {
	switch width {
	case 8:
		return int64(int8(raw))
	case 16:
		return int64(int16(raw))
	case 32:
		return int64(int32(raw))
	case 64:
		return int64(raw)
	}
	if width == 0 || width > 64 {
		return 0
	}
	signBit := uint64(1) << (width - 1)
	if raw&signBit == 0 {
		return int64(raw & (signBit - 1))
	}
	return -int64(((^raw) & (signBit - 1)) + 1)
}
