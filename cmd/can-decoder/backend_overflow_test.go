package main

import (
	"context"
	"errors"
	"testing"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/dbc"
	"github.com/kstaniek/go-can-decoder/internal/decode"
	"github.com/kstaniek/go-can-decoder/internal/logging"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/sample"
	"github.com/kstaniek/go-can-decoder/internal/transport"
)

// blockingHub stalls the decode worker until release is closed.
type blockingHub struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingHub) Broadcast([]sample.Sample) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
}

func TestDecodeQueueOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db, err := dbc.LoadFile("testdata/bus.dbc")
	if err != nil {
		t.Fatalf("load dbc: %v", err)
	}
	bh := &blockingHub{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := &pipeline{ctx: ctx, engine: decode.New(dbc.NewStore(db), decode.WithSignalGauges(false)), out: bh, l: logging.Discard()}
	const size = 8
	q := newDecodeQueue(ctx, size, p)
	defer q.Close()

	fr := can.Frame{CANID: 0x100, Len: 8}
	if err := q.Enqueue(fr); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	<-bh.entered // worker is now stuck in Broadcast

	pre := metrics.Snap()
	var overflowErr error
	for i := 0; i < size+4; i++ {
		if err := q.Enqueue(fr); err != nil && overflowErr == nil {
			overflowErr = err
		}
	}
	if !errors.Is(overflowErr, transport.ErrQueueOverflow) {
		t.Fatalf("expected ErrQueueOverflow, got %v", overflowErr)
	}
	post := metrics.Snap()
	if d := post.QueueDrops - pre.QueueDrops; d != 4 {
		t.Fatalf("expected 4 queue drops, got %d", d)
	}
	if post.Errors <= pre.Errors {
		t.Fatalf("expected error metric increment on overflow")
	}
	close(bh.release)
}
