// Package replay reads frames from candump logs and candump-style text.
package replay

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	einride "go.einride.tech/can"

	"github.com/kstaniek/go-can-decoder/internal/can"
)

// ErrSyntax is wrapped by every parse failure.
var ErrSyntax = errors.New("replay: bad frame syntax")

// Line is one parsed log line.
type Line struct {
	Time      time.Time // zero when the line carries no timestamp
	Interface string
	Frame     can.Frame
}

// ParseFrame parses a single candump frame token: 123#DEADBEEF, 1ABCDEF0#01,
// 123#R for remote requests, or 123##<flags><data> for CAN FD.
func ParseFrame(s string) (can.Frame, error) {
	s = strings.TrimSpace(s)
	if id, rest, ok := strings.Cut(s, "##"); ok {
		return parseFD(id, rest)
	}
	var ef einride.Frame
	if err := ef.UnmarshalString(s); err != nil {
		return can.Frame{}, fmt.Errorf("%w: %q: %w", ErrSyntax, s, err)
	}
	return FromEinride(ef), nil
}

// FromEinride converts a classic frame from go.einride.tech/can.
func FromEinride(ef einride.Frame) can.Frame {
	var fr can.Frame
	fr.CANID = ef.ID
	if ef.IsExtended {
		fr.CANID |= can.CAN_EFF_FLAG
	}
	if ef.IsRemote {
		fr.CANID |= can.CAN_RTR_FLAG
	}
	fr.Len = ef.Length
	if fr.Len > can.MaxClassicLen {
		fr.Len = can.MaxClassicLen
	}
	copy(fr.Data[:], ef.Data[:fr.Len])
	return fr
}

func parseFD(idStr, rest string) (can.Frame, error) {
	var fr can.Frame
	if len(rest) < 1 {
		return fr, fmt.Errorf("%w: missing FD flags in %s##", ErrSyntax, idStr)
	}
	flags, err := strconv.ParseUint(rest[:1], 16, 8)
	if err != nil {
		return fr, fmt.Errorf("%w: FD flags %q", ErrSyntax, rest[:1])
	}
	id, err := parseID(idStr)
	if err != nil {
		return fr, err
	}
	data, err := hex.DecodeString(rest[1:])
	if err != nil {
		return fr, fmt.Errorf("%w: FD data %q: %w", ErrSyntax, rest[1:], err)
	}
	if !can.ValidLen(len(data), true) {
		return fr, fmt.Errorf("%w: FD length %d", ErrSyntax, len(data))
	}
	fr.CANID = id
	fr.Flags = uint8(flags) | can.FlagFD
	fr.Len = uint8(len(data))
	copy(fr.Data[:], data)
	return fr, nil
}

// parseID accepts 3 hex digits for standard and 8 for extended identifiers.
func parseID(s string) (uint32, error) {
	switch len(s) {
	case 3:
		v, err := strconv.ParseUint(s, 16, 11)
		if err != nil {
			return 0, fmt.Errorf("%w: id %q", ErrSyntax, s)
		}
		return uint32(v), nil
	case 8:
		v, err := strconv.ParseUint(s, 16, 29)
		if err != nil {
			return 0, fmt.Errorf("%w: id %q", ErrSyntax, s)
		}
		return uint32(v) | can.CAN_EFF_FLAG, nil
	default:
		return 0, fmt.Errorf("%w: id %q", ErrSyntax, s)
	}
}

// ParseLine parses "(1436509052.249713) vcan0 123#0102" as written by
// candump -l, or a bare frame token. Trailing direction markers are ignored.
func ParseLine(s string) (Line, error) {
	var ln Line
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ln, fmt.Errorf("%w: empty line", ErrSyntax)
	}
	if strings.HasPrefix(fields[0], "(") {
		ts, err := parseTimestamp(fields[0])
		if err != nil {
			return ln, err
		}
		ln.Time = ts
		fields = fields[1:]
	}
	tok := -1
	for i, f := range fields {
		if strings.Contains(f, "#") {
			tok = i
			break
		}
	}
	if tok < 0 {
		return ln, fmt.Errorf("%w: no frame in %q", ErrSyntax, s)
	}
	if tok > 0 {
		ln.Interface = fields[tok-1]
	}
	fr, err := ParseFrame(fields[tok])
	if err != nil {
		return ln, err
	}
	ln.Frame = fr
	return ln, nil
}

func parseTimestamp(s string) (time.Time, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	secStr, fracStr, _ := strings.Cut(body, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrSyntax, s)
	}
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		f, err := strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrSyntax, s)
		}
		for i := len(fracStr); i < 9; i++ {
			f *= 10
		}
		nsec = f
	}
	return time.Unix(sec, nsec), nil
}
