package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/replay"
	"github.com/kstaniek/go-can-decoder/internal/transport"
)

// openReplay is a hook for tests.
var openReplay = func(path string, rate float64) (transport.FrameSource, error) {
	return replay.Open(path, replay.WithRate(rate))
}

func openReplaySource(cfg *appConfig, l *slog.Logger) (*frameSource, error) {
	r, err := openReplay(cfg.replayFile, cfg.replayRate)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	l.Info("replay_open", "file", cfg.replayFile, "rate", cfg.replayRate)
	return &frameSource{src: r, label: metrics.SourceReplay, errLabel: metrics.ErrReplayRead}, nil
}
