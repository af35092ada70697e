// Package decode turns received frames into samples using the active DBC.
package decode

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/dbc"
	"github.com/kstaniek/go-can-decoder/internal/logging"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/sample"
	"github.com/kstaniek/go-can-decoder/internal/signal"
)

var (
	// ErrUnknownMessage is returned for identifiers the database does not define.
	ErrUnknownMessage = errors.New("decode: unknown message")
	// ErrNoDatabase is returned when the store holds no database.
	ErrNoDatabase = errors.New("decode: no database loaded")
)

// Filter selects which signals of a message are decoded.
type Filter func(msg *dbc.Message, sig *signal.Descriptor) bool

// Engine decodes frames against a dbc.Store. It is safe for concurrent use.
type Engine struct {
	store  *dbc.Store
	dec    *signal.Decoder
	filter Filter
	now    func() time.Time
	log    *slog.Logger
	gauges bool
}

type Option func(*Engine)

func WithDecoder(d *signal.Decoder) Option { return func(e *Engine) { e.dec = d } }
func WithFilter(f Filter) Option           { return func(e *Engine) { e.filter = f } }
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithSignalGauges toggles the per-signal last value gauge.
func WithSignalGauges(on bool) Option { return func(e *Engine) { e.gauges = on } }

func New(store *dbc.Store, opts ...Option) *Engine {
	e := &Engine{store: store, now: time.Now, gauges: true}
	for _, o := range opts {
		o(e)
	}
	if e.dec == nil {
		e.dec = signal.NewDecoder()
	}
	if e.log == nil {
		e.log = logging.L()
	}
	return e
}

// SignalNames builds a Filter accepting only the listed signal names.
func SignalNames(names ...string) Filter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(_ *dbc.Message, sig *signal.Descriptor) bool {
		_, ok := set[sig.Name]
		return ok
	}
}

// DecodeFrame decodes every signal of the frame's message in DBC order.
// Signals that fail are reported through the joined error while the rest are
// still returned. Remote frames carry no data and yield no samples.
func (e *Engine) DecodeFrame(fr can.Frame) ([]sample.Sample, error) {
	db := e.store.Current()
	if db == nil {
		return nil, ErrNoDatabase
	}
	msg, ok := db.Lookup(fr.ID(), fr.Extended())
	if !ok {
		metrics.IncUnknown()
		return nil, fmt.Errorf("%w: 0x%X", ErrUnknownMessage, fr.ID())
	}
	if fr.Remote() {
		return nil, nil
	}
	payload := fr.Payload()
	ts := e.now()
	out := make([]sample.Sample, 0, len(msg.Signals))
	var errs []error
	for i := range msg.Signals {
		d := &msg.Signals[i]
		if e.filter != nil && !e.filter(msg, d) {
			continue
		}
		v, err := e.dec.DecodeValue(payload, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", msg.Name, err))
			continue
		}
		out = append(out, sample.Sample{
			Time:     ts,
			Key:      msg.Key,
			ID:       msg.ID,
			Extended: msg.Extended,
			Message:  msg.Name,
			Signal:   d.Name,
			Raw:      v.Raw,
			Value:    v.Physical,
			Unit:     d.Unit,
		})
		if e.gauges {
			metrics.SetSignalValue(msg.Name, d.Name, v.Physical)
		}
	}
	metrics.IncDecodedFrame()
	metrics.AddDecodedSignals(len(out))
	if len(errs) > 0 {
		metrics.AddDecodeErrors(len(errs))
		err := errors.Join(errs...)
		e.log.Debug("frame_decode_partial", "id", fr.ID(), "message", msg.Name, "len", fr.Len, "error", err)
		return out, err
	}
	return out, nil
}
