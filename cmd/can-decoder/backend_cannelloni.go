package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/can"
	"github.com/kstaniek/go-can-decoder/internal/cnl"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/transport"
)

// dialCannelloni is a hook for tests.
var dialCannelloni = func(ctx context.Context, addr string, timeout time.Duration) (transport.FrameSource, error) {
	return cnl.Dial(ctx, addr, timeout)
}

// redialSource keeps a cannelloni session alive: when the peer closes the
// connection or the stream desyncs, it dials again with backoff until ctx
// ends or Close is called.
type redialSource struct {
	ctx     context.Context
	cancel  context.CancelFunc
	addr    string
	timeout time.Duration
	l       *slog.Logger

	mu  sync.Mutex
	cur transport.FrameSource
}

func openCannelloniSource(ctx context.Context, cfg *appConfig, l *slog.Logger) (*frameSource, error) {
	conn, err := dialCannelloni(ctx, cfg.cnlAddr, cfg.handshakeTO)
	if err != nil {
		metrics.IncError(metrics.ErrHandshake)
		return nil, fmt.Errorf("cannelloni dial %s: %w", cfg.cnlAddr, err)
	}
	l.Info("cannelloni_connected", "addr", cfg.cnlAddr)
	rctx, cancel := context.WithCancel(ctx)
	rs := &redialSource{ctx: rctx, cancel: cancel, addr: cfg.cnlAddr, timeout: cfg.handshakeTO, l: l, cur: conn}
	return &frameSource{src: rs, label: metrics.SourceCannelloni, errLabel: metrics.ErrCannelloniRead}, nil
}

// sessionLost reports errors after which the stream cannot continue.
func sessionLost(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, cnl.ErrInvalidLength) ||
		errors.Is(err, cnl.ErrTruncatedFrame) ||
		errors.Is(err, transport.ErrSourceGone)
}

func (r *redialSource) ReadFrame() (can.Frame, error) {
	for {
		r.mu.Lock()
		cur := r.cur
		r.mu.Unlock()
		if cur == nil {
			return can.Frame{}, fmt.Errorf("cannelloni: %w", transport.ErrSourceGone)
		}
		fr, err := cur.ReadFrame()
		if err == nil {
			return fr, nil
		}
		if !sessionLost(err) {
			return can.Frame{}, err
		}
		if r.ctx.Err() != nil {
			return can.Frame{}, fmt.Errorf("cannelloni: %w", transport.ErrSourceGone)
		}
		r.l.Warn("cannelloni_session_lost", "addr", r.addr, "error", err)
		_ = cur.Close()
		if err := r.redial(); err != nil {
			return can.Frame{}, err
		}
	}
}

func (r *redialSource) redial() error {
	backoff := rxBackoffMin
	for {
		if r.ctx.Err() != nil {
			return fmt.Errorf("cannelloni: %w", transport.ErrSourceGone)
		}
		conn, err := dialCannelloni(r.ctx, r.addr, r.timeout)
		if err == nil {
			r.mu.Lock()
			if r.ctx.Err() != nil {
				r.mu.Unlock()
				_ = conn.Close()
				return fmt.Errorf("cannelloni: %w", transport.ErrSourceGone)
			}
			r.cur = conn
			r.mu.Unlock()
			r.l.Info("cannelloni_reconnected", "addr", r.addr)
			return nil
		}
		metrics.IncError(metrics.ErrHandshake)
		r.l.Debug("cannelloni_redial_failed", "addr", r.addr, "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > rxBackoffMax {
			backoff = rxBackoffMax
		}
	}
}

func (r *redialSource) Close() error {
	r.cancel()
	r.mu.Lock()
	cur := r.cur
	r.cur = nil
	r.mu.Unlock()
	if cur != nil {
		return cur.Close()
	}
	return nil
}
