package signal

import (
	"fmt"
	"strings"
)

// SingleBitPolicy decides how 1-bit signals turn into physical values.
type SingleBitPolicy int

const (
	// SingleBitLiteral scales the bit's value like any other signal.
	SingleBitLiteral SingleBitPolicy = iota
	// SingleBitConstant reports 1.0 for every 1-bit signal whatever the bit
	// holds. Kept for consumers that were built against that behavior.
	SingleBitConstant
)

func (p SingleBitPolicy) String() string {
	if p == SingleBitConstant {
		return "constant"
	}
	return "literal"
}

// ParseSingleBitPolicy parses "literal" or "constant".
func ParseSingleBitPolicy(s string) (SingleBitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "literal":
		return SingleBitLiteral, nil
	case "constant":
		return SingleBitConstant, nil
	default:
		return SingleBitLiteral, fmt.Errorf("invalid single-bit policy %q (use literal|constant)", s)
	}
}

// Value is a decoded signal.
type Value struct {
	Raw      uint64
	Length   uint8
	Signed   bool
	Physical float64
}

// Int64 returns the raw field as an integer, sign-extended for signed signals.
func (v Value) Int64() int64 {
	if v.Signed {
		return AsSigned(v.Raw, v.Length)
	}
	return int64(v.Raw)
}

// Decoder turns payload bits into physical values. It holds no per-call
// state and is safe for concurrent use.
type Decoder struct {
	singleBit SingleBitPolicy
}

type Option func(*Decoder)

func WithSingleBitPolicy(p SingleBitPolicy) Option { return func(d *Decoder) { d.singleBit = p } }

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{singleBit: SingleBitLiteral}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SingleBitPolicy reports the configured 1-bit behavior.
func (d *Decoder) SingleBitPolicy() SingleBitPolicy { return d.singleBit }

// DecodeValue extracts, sign-extends and scales one signal. Bounds are
// checked for every signal, 1-bit ones included.
func (d *Decoder) DecodeValue(payload []byte, s *Descriptor) (Value, error) {
	raw, err := ExtractRaw(payload, s)
	if err != nil {
		return Value{}, err
	}
	v := Value{Raw: raw, Length: s.Length, Signed: s.ValueType == Signed}
	if s.Length == 1 && d.singleBit == SingleBitConstant {
		v.Physical = 1.0
		return v, nil
	}
	if v.Signed {
		v.Physical = s.Scale(float64(AsSigned(raw, s.Length)))
	} else {
		v.Physical = s.Scale(float64(raw))
	}
	return v, nil
}

// Decode returns the physical value of s in payload.
func (d *Decoder) Decode(payload []byte, s *Descriptor) (float64, error) {
	v, err := d.DecodeValue(payload, s)
	if err != nil {
		return 0, err
	}
	return v.Physical, nil
}

var defaultDecoder = NewDecoder()

// Decode decodes s from payload with the default (literal 1-bit) decoder.
func Decode(payload []byte, s *Descriptor) (float64, error) {
	return defaultDecoder.Decode(payload, s)
}
