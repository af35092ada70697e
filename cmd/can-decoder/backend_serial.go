package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/serial"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

func openSerialSource(cfg *appConfig, l *slog.Logger) (*frameSource, error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	return &frameSource{src: serial.NewReader(sp), label: metrics.SourceSerial, errLabel: metrics.ErrSerialRead}, nil
}
