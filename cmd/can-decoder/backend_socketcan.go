package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/socketcan"
	"github.com/kstaniek/go-can-decoder/internal/transport"
)

// openSocketCANDevice is a hook for tests.
var openSocketCANDevice = func(iface string) (transport.FrameSource, bool, error) {
	dev, err := socketcan.Open(iface)
	if err != nil {
		return nil, false, err
	}
	return dev, dev.FD(), nil
}

func openSocketCANSource(cfg *appConfig, l *slog.Logger) (*frameSource, error) {
	dev, fd, err := openSocketCANDevice(cfg.canIf)
	if err != nil {
		return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
	}
	l.Info("socketcan_open", "if", cfg.canIf, "fd", fd)
	return &frameSource{src: dev, label: metrics.SourceSocketCAN, errLabel: metrics.ErrSocketCANRead}, nil
}
