// Package dbc is the message database: DBC definitions copied out of the
// parser into immutable lookup tables the decoder reads from.
package dbc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	parser "go.einride.tech/can/pkg/dbc"

	"github.com/kstaniek/go-can-decoder/internal/signal"
)

var (
	// ErrParse wraps DBC syntax errors reported by the parser.
	ErrParse = errors.New("dbc: parse failed")
	// ErrInvalidSignal is returned for signal definitions the decoder cannot use.
	ErrInvalidSignal = errors.New("dbc: invalid signal")
)

const (
	extendedFlag = uint32(1) << 31
	// Pseudo message that Vector tools use to hold signals not sent on the bus.
	independentSignalsID = 0xC0000000
	maxStartBit          = 64*8 - 1
)

// Key returns the database key of a frame: the identifier as a DBC file
// stores it, with bit 31 set for 29-bit frames.
func Key(id uint32, extended bool) uint32 {
	if extended {
		return id | extendedFlag
	}
	return id
}

// Message is one BO_ definition.
type Message struct {
	Key         uint32
	ID          uint32
	Extended    bool
	Name        string
	Size        int
	Transmitter string
	// Signals in file order.
	Signals []signal.Descriptor
}

// Signal returns the named signal or nil.
func (m *Message) Signal(name string) *signal.Descriptor {
	for i := range m.Signals {
		if m.Signals[i].Name == name {
			return &m.Signals[i]
		}
	}
	return nil
}

// Database is an immutable set of messages. It is safe for concurrent reads.
type Database struct {
	source string
	byKey  map[uint32]*Message
	byName map[string]*Message
	keys   []uint32
}

// Load parses DBC text. name is used in parser error positions. Any failure
// returns a nil database.
func Load(name string, data []byte) (*Database, error) {
	p := parser.NewParser(name, data)
	if perr := p.Parse(); perr != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, perr)
	}
	db := &Database{
		source: name,
		byKey:  make(map[uint32]*Message),
		byName: make(map[string]*Message),
	}
	for _, def := range p.Defs() {
		md, ok := def.(*parser.MessageDef)
		if !ok || uint32(md.MessageID) == independentSignalsID {
			continue
		}
		m, err := convertMessage(md)
		if err != nil {
			return nil, err
		}
		// Later definitions of the same identifier replace earlier ones.
		if prev, dup := db.byKey[m.Key]; dup {
			delete(db.byName, prev.Name)
		} else {
			db.keys = append(db.keys, m.Key)
		}
		db.byKey[m.Key] = m
		db.byName[m.Name] = m
	}
	sort.Slice(db.keys, func(i, j int) bool { return db.keys[i] < db.keys[j] })
	return db, nil
}

// LoadFile reads and parses a DBC file.
func LoadFile(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dbc: read %s: %w", path, err)
	}
	return Load(filepath.Base(path), data)
}

func convertMessage(md *parser.MessageDef) (*Message, error) {
	key := uint32(md.MessageID)
	m := &Message{
		Key:         key,
		ID:          key &^ extendedFlag,
		Extended:    key&extendedFlag != 0,
		Name:        string(md.Name),
		Size:        int(md.Size),
		Transmitter: string(md.Transmitter),
		Signals:     make([]signal.Descriptor, 0, len(md.Signals)),
	}
	for i := range md.Signals {
		sd := &md.Signals[i]
		if sd.Size == 0 || sd.Size > signal.MaxLength {
			return nil, fmt.Errorf("%w: %s.%s has %d bits", ErrInvalidSignal, m.Name, sd.Name, sd.Size)
		}
		if sd.StartBit > maxStartBit {
			return nil, fmt.Errorf("%w: %s.%s start bit %d", ErrInvalidSignal, m.Name, sd.Name, sd.StartBit)
		}
		d := signal.Descriptor{
			Name:        string(sd.Name),
			StartBit:    uint16(sd.StartBit),
			Length:      uint8(sd.Size),
			ByteOrder:   signal.LittleEndian,
			ValueType:   signal.Unsigned,
			Factor:      sd.Factor,
			Offset:      sd.Offset,
			Min:         sd.Minimum,
			Max:         sd.Maximum,
			Unit:        sd.Unit,
			Multiplexed: sd.IsMultiplexed,
		}
		if sd.IsBigEndian {
			d.ByteOrder = signal.BigEndian
		}
		if sd.IsSigned {
			d.ValueType = signal.Signed
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSignal, m.Name, err)
		}
		m.Signals = append(m.Signals, d)
	}
	return m, nil
}

// Source is the name the database was loaded from.
func (db *Database) Source() string { return db.source }

// Message returns the message stored under key, or nil.
func (db *Database) Message(key uint32) *Message { return db.byKey[key] }

// Lookup finds the message for a received frame identifier.
func (db *Database) Lookup(id uint32, extended bool) (*Message, bool) {
	m, ok := db.byKey[Key(id, extended)]
	return m, ok
}

// MessageByName finds a message by its DBC name.
func (db *Database) MessageByName(name string) (*Message, bool) {
	m, ok := db.byName[name]
	return m, ok
}

// Messages returns all messages ordered by key.
func (db *Database) Messages() []*Message {
	out := make([]*Message, 0, len(db.keys))
	for _, k := range db.keys {
		out = append(out, db.byKey[k])
	}
	return out
}

func (db *Database) Len() int { return len(db.keys) }
