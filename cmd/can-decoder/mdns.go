package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_can-decoder._tcp"

// registerService is a hook for tests.
var registerService = func(instance, service, domain string, port int, text []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("can-decoder-%s", host)
}

func mdnsText(cfg *appConfig) []string {
	return []string{
		"source=" + cfg.source,
		"dbc=" + filepath.Base(cfg.dbcPath),
		"format=ndjson",
		"version=" + version,
		"commit=" + commit,
	}
}

// startMDNS advertises the stream port and returns a cleanup function. It is
// a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	shutdown, err := registerService(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsText(cfg))
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
