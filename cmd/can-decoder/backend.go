package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/replay"
	"github.com/kstaniek/go-can-decoder/internal/transport"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// frameSource is an opened source plus the labels its traffic is counted under.
type frameSource struct {
	src      transport.FrameSource
	label    string // rx_frames_total{source}
	errLabel string // errors_total{where}
}

// openSource opens the source selected by cfg.source.
func openSource(ctx context.Context, cfg *appConfig, l *slog.Logger) (*frameSource, error) {
	switch cfg.source {
	case sourceSocketCAN:
		return openSocketCANSource(cfg, l)
	case sourceSerial:
		return openSerialSource(cfg, l)
	case sourceCannelloni:
		return openCannelloniSource(ctx, cfg, l)
	case sourceReplay:
		return openReplaySource(cfg, l)
	default:
		return nil, fmt.Errorf("unknown source %q (use socketcan|serial|cannelloni|replay)", cfg.source)
	}
}

// startRxLoop reads frames from fs into q until ctx ends or the source is
// gone. The returned channel is closed when the loop exits.
func startRxLoop(ctx context.Context, fs *frameSource, q *transport.AsyncQueue, l *slog.Logger, wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		err := rxLoop(ctx, fs, q, l)
		l.Info("rx_end", "source", fs.label, "reason", fmt.Sprint(err))
	}()
	return done
}

func rxLoop(ctx context.Context, fs *frameSource, q *transport.AsyncQueue, l *slog.Logger) error {
	backoff := rxBackoffMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fr, err := fs.src.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch {
			case errors.Is(err, io.EOF):
				return io.EOF
			case errors.Is(err, transport.ErrSourceGone):
				return err
			case errors.Is(err, replay.ErrSyntax):
				metrics.IncMalformed()
				l.Debug("rx_malformed", "source", fs.label, "error", err)
				continue
			}
			metrics.IncError(fs.errLabel)
			l.Warn("rx_read_error", "source", fs.label, "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		backoff = rxBackoffMin
		metrics.IncRx(fs.label)
		if err := q.Enqueue(fr); err != nil {
			if errors.Is(err, transport.ErrQueueClosed) {
				return err
			}
			l.Debug("rx_queue_drop", "source", fs.label, "id", fr.ID())
		}
	}
}
