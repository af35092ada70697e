package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"rx", snap.Rx,
		"decoded_frames", snap.DecodedFrames,
		"decoded_signals", snap.DecodedSignals,
		"unknown", snap.Unknown,
		"decode_errors", snap.DecodeErrors,
		"malformed", snap.Malformed,
		"queue_drops", snap.QueueDrops,
		"stream_samples", snap.StreamSamples,
		"mqtt_published", snap.MQTTPublished,
		"hub_clients", snap.HubClients,
		"hub_drops", snap.HubDrops,
		"dbc_messages", snap.DBCMessages,
		"errors", snap.Errors,
	)
}
