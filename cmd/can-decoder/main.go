package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/dbc"
	"github.com/kstaniek/go-can-decoder/internal/decode"
	"github.com/kstaniek/go-can-decoder/internal/hub"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/mqtt"
	"github.com/kstaniek/go-can-decoder/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, showVersion, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if showVersion {
		fmt.Printf("can-decoder %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	db, err := dbc.LoadFile(cfg.dbcPath)
	if err != nil {
		l.Error("dbc_load_error", "path", cfg.dbcPath, "error", err)
		return 1
	}
	l.Info("dbc_loaded", "path", cfg.dbcPath, "messages", db.Len())
	if cfg.frames != "" {
		return runOneShot(cfg, db, os.Stdout, os.Stderr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	dec, err := cfg.newSignalDecoder()
	if err != nil {
		l.Error("config_error", "error", err)
		return 1
	}
	store := dbc.NewStore(db)
	eng := decode.New(store,
		decode.WithDecoder(dec),
		decode.WithLogger(l),
	)
	h := initHub(cfg, l)
	p := &pipeline{ctx: ctx, engine: eng, out: h, l: l}

	var sink *mqtt.Sink
	if cfg.mqttBroker != "" {
		sink, err = mqtt.Dial(ctx, mqtt.Config{
			Broker:      cfg.mqttBroker,
			ClientID:    cfg.mqttClientID,
			Username:    cfg.mqttUser,
			Password:    cfg.mqttPass,
			Topic:       cfg.mqttTopic,
			QoS:         byte(cfg.mqttQoS),
			DialTimeout: cfg.handshakeTO,
		})
		if err != nil {
			l.Error("mqtt_init_error", "error", err)
			return 1
		}
		defer func() { _ = sink.Close() }()
		p.mqtt = sink
	}

	var srv *server.Server
	if cfg.listenAddr != "" {
		srv = startStreamServer(ctx, cancel, cfg, h, l, &wg)
	}

	q := newDecodeQueue(ctx, cfg.queueSize, p)
	fs, err := openSource(ctx, cfg, l)
	if err != nil {
		l.Error("source_init_error", "error", err)
		q.Close()
		return 1
	}
	rxCtx, rxCancel := context.WithCancel(ctx)
	defer rxCancel()
	srcDone := startRxLoop(rxCtx, fs, q, l, &wg)

	// ready once the source is open and, when enabled, the stream listens
	metrics.SetReadinessFunc(func() bool {
		if srv != nil {
			select {
			case <-srv.Ready():
			default:
				return false
			}
		}
		select {
		case <-srcDone:
			return false
		default:
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	// a finished replay ends the process; live sources keep the stream up
	var replayDone <-chan struct{}
	if cfg.source == sourceReplay {
		replayDone = srcDone
	}
wait:
	for {
		select {
		case s := <-sigCh:
			if s == syscall.SIGHUP {
				if _, err := store.Reload(cfg.dbcPath); err != nil {
					l.Error("dbc_reload_failed", "path", cfg.dbcPath, "error", err)
				}
				continue
			}
			l.Info("shutdown_signal", "signal", s.String())
			break wait
		case <-replayDone:
			l.Info("replay_complete")
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	// stop reading first so queued frames still reach clients
	rxCancel()
	_ = fs.src.Close()
	<-srcDone
	q.Close()
	if srv != nil {
		sdCtx, sdCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(sdCtx); err != nil {
			l.Warn("stream_shutdown_error", "error", err)
		}
		sdCancel()
	}
	cancel()
	wg.Wait()
	logSnapshot(l, metrics.Snap())
	return 0
}

// startStreamServer runs the NDJSON server and its mDNS advertisement.
func startStreamServer(ctx context.Context, cancel context.CancelFunc, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) *server.Server {
	srv := server.NewServer(
		server.WithHub(h),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("stream_server_error", "error", err)
			cancel()
		}
	}()
	if !cfg.mdnsEnable {
		return srv
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := listenPort(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", port)
		<-ctx.Done()
		cleanupMDNS()
	}()
	return srv
}

// listenPort extracts the port of a bound host:port address, 0 if unknown.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
