package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/decode"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/sample"
	"github.com/kstaniek/go-can-decoder/internal/transport"
)

// broadcaster receives every decoded batch (the stream hub).
type broadcaster interface {
	Broadcast([]sample.Sample)
}

// publisher receives every decoded batch when MQTT is enabled.
type publisher interface {
	Publish(context.Context, []sample.Sample) error
}

// pipeline is the decode worker: frame → engine → hub and MQTT.
type pipeline struct {
	ctx    context.Context
	engine *decode.Engine
	out    broadcaster
	mqtt   publisher
	l      *slog.Logger
}

// handle decodes one frame. Unknown ids are not errors here; they are
// already counted by the engine. A partially decoded frame is still fanned
// out and the joined signal errors are returned.
func (p *pipeline) handle(fr can.Frame) error {
	batch, err := p.engine.DecodeFrame(fr)
	if err != nil && errors.Is(err, decode.ErrUnknownMessage) {
		return nil
	}
	if len(batch) > 0 {
		if p.out != nil {
			p.out.Broadcast(batch)
		}
		if p.mqtt != nil {
			// failures are counted and logged by the sink
			_ = p.mqtt.Publish(p.ctx, batch)
		}
	}
	return err
}

// newDecodeQueue wires the pipeline behind an AsyncQueue so the receive loop
// never waits on decoding or fan-out.
func newDecodeQueue(ctx context.Context, size int, p *pipeline) *transport.AsyncQueue {
	var q *transport.AsyncQueue
	q = transport.NewAsyncQueue(ctx, size, p.handle, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrDecode)
			p.l.Debug("decode_error", "error", err)
		},
		OnAfter: func() { metrics.SetQueueLen(q.Len()) },
		OnDrop: func() error {
			metrics.IncQueueDrop()
			metrics.IncError(metrics.ErrQueueOverflow)
			return transport.ErrQueueOverflow
		},
	})
	return q
}
