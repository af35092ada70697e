// Package signal extracts DBC signals from CAN frame payloads and scales
// them to physical values.
package signal

import (
	"errors"
	"fmt"
)

// ByteOrder selects the DBC bit numbering convention of a signal.
type ByteOrder uint8

const (
	// BigEndian is the Motorola convention: StartBit names the signal's most
	// significant bit as row (byte index) * 8 + column.
	BigEndian ByteOrder = iota
	// LittleEndian is the Intel convention: StartBit names the signal's least
	// significant bit in the LSB-first packed payload.
	LittleEndian
)

func (b ByteOrder) String() string {
	switch b {
	case BigEndian:
		return "big_endian"
	case LittleEndian:
		return "little_endian"
	default:
		return fmt.Sprintf("byte_order(%d)", uint8(b))
	}
}

// ValueType tells how the raw bit field is interpreted.
type ValueType uint8

const (
	Unsigned ValueType = iota
	Signed
)

func (v ValueType) String() string {
	switch v {
	case Unsigned:
		return "unsigned"
	case Signed:
		return "signed"
	default:
		return fmt.Sprintf("value_type(%d)", uint8(v))
	}
}

// MaxLength is the widest signal the decoder accepts.
const MaxLength = 64

var (
	// ErrSignalOutOfBounds is returned when a signal's bit span does not fit
	// in the payload it is decoded from.
	ErrSignalOutOfBounds = errors.New("signal exceeds payload bounds")
	// ErrInvalidLength is returned for bit lengths outside 1..64.
	ErrInvalidLength = errors.New("signal: invalid bit length")
	// ErrInvalidDescriptor is returned for unknown byte orders or value types.
	ErrInvalidDescriptor = errors.New("signal: invalid descriptor")
)

// Descriptor is the layout and scaling of one signal inside a message.
// Descriptors are built once when a database is loaded and only read
// afterwards.
type Descriptor struct {
	Name      string
	StartBit  uint16
	Length    uint8
	ByteOrder ByteOrder
	ValueType ValueType
	Factor    float64
	Offset    float64
	Min       float64
	Max       float64
	Unit      string
	// Multiplexed marks signals that belong to a multiplexer branch. The
	// decoder treats them like any other signal.
	Multiplexed bool
}

// Validate checks the fields the decoder relies on.
func (d *Descriptor) Validate() error {
	if d.Length == 0 || d.Length > MaxLength {
		return fmt.Errorf("%w: %s has %d bits", ErrInvalidLength, d.Name, d.Length)
	}
	if d.ByteOrder != BigEndian && d.ByteOrder != LittleEndian {
		return fmt.Errorf("%w: %s byte order %d", ErrInvalidDescriptor, d.Name, d.ByteOrder)
	}
	if d.ValueType != Unsigned && d.ValueType != Signed {
		return fmt.Errorf("%w: %s value type %d", ErrInvalidDescriptor, d.Name, d.ValueType)
	}
	return nil
}

// Scale applies the linear transform offset + v*factor.
func (d *Descriptor) Scale(v float64) float64 { return d.Offset + v*d.Factor }
