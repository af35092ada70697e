package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-can-decoder/internal/hub"
	"github.com/kstaniek/go-can-decoder/internal/signal"
)

const envPrefix = "CAN_DECODER_"

type appConfig struct {
	dbcPath string
	source  string

	canIf        string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	cnlAddr      string
	handshakeTO  time.Duration
	replayFile   string
	replayRate   float64

	listenAddr   string
	maxClients   int
	clientReadTO time.Duration
	hubBuffer    int
	hubPolicy    string
	queueSize    int
	singleBit    string

	mqttBroker   string
	mqttTopic    string
	mqttClientID string
	mqttUser     string
	mqttPass     string
	mqttQoS      int

	metricsAddr     string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string

	frames string
}

func defaultConfig() *appConfig {
	return &appConfig{
		source:       sourceSocketCAN,
		canIf:        "can0",
		serialDev:    "/dev/ttyUSB0",
		baud:         115200,
		serialReadTO: 50 * time.Millisecond,
		handshakeTO:  3 * time.Second,
		replayRate:   1,
		listenAddr:   ":20100",
		clientReadTO: 60 * time.Second,
		hubBuffer:    512,
		hubPolicy:    "drop",
		queueSize:    defaultQueueSize,
		singleBit:    "literal",
		mqttTopic:    "can",
		mqttClientID: "can-decoder",
		logFormat:    "text",
		logLevel:     "info",
	}
}

// newSignalDecoder builds the signal decoder for the configured 1-bit policy.
func (c *appConfig) newSignalDecoder() (*signal.Decoder, error) {
	policy, err := signal.ParseSingleBitPolicy(c.singleBit)
	if err != nil {
		return nil, err
	}
	return signal.NewDecoder(signal.WithSingleBitPolicy(policy)), nil
}

// parseFlags parses args (without the program name). The returned bool is
// the -version flag.
func parseFlags(args []string, output io.Writer) (*appConfig, bool, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("can-decoder", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.dbcPath, "dbc", "", "DBC file describing the bus (required)")
	fs.StringVar(&cfg.source, "source", cfg.source, "Frame source: socketcan|serial|cannelloni|replay")
	fs.StringVar(&cfg.canIf, "can-if", cfg.canIf, "SocketCAN interface (when -source=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Serial device path (when -source=serial)")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.StringVar(&cfg.cnlAddr, "cannelloni-addr", "", "Cannelloni TCP peer host:port (when -source=cannelloni)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", cfg.handshakeTO, "Cannelloni dial and handshake timeout")
	fs.StringVar(&cfg.replayFile, "replay-file", "", "candump log to replay (when -source=replay)")
	fs.Float64Var(&cfg.replayRate, "replay-rate", cfg.replayRate, "Replay speed: 1 = real time, 0 = as fast as possible")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "NDJSON stream listen address; empty disables")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous stream clients (0 = unlimited)")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client buffer (decoded frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.queueSize, "queue-size", cfg.queueSize, "Frames buffered between the source and the decoder")
	fs.StringVar(&cfg.singleBit, "single-bit", cfg.singleBit, "1-bit signal values: literal|constant")
	fs.StringVar(&cfg.mqttBroker, "mqtt-broker", "", "MQTT broker host:port; empty disables")
	fs.StringVar(&cfg.mqttTopic, "mqtt-topic", cfg.mqttTopic, "MQTT topic prefix (<prefix>/<message>)")
	fs.StringVar(&cfg.mqttClientID, "mqtt-client-id", cfg.mqttClientID, "MQTT client id")
	fs.StringVar(&cfg.mqttUser, "mqtt-username", "", "MQTT username")
	fs.StringVar(&cfg.mqttPass, "mqtt-password", "", "MQTT password")
	fs.IntVar(&cfg.mqttQoS, "mqtt-qos", 0, "MQTT publish QoS (0-2)")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the stream via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default can-decoder-<hostname>)")
	fs.StringVar(&cfg.frames, "frame", "", "Decode comma separated candump frames (e.g. 123#0102), print JSON lines and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// flags given on the command line win over the environment
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

// validate checks values and ranges only; it opens nothing.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.dbcPath == "" {
		return errors.New("dbc is required")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if _, ok := hub.ParsePolicy(c.hubPolicy); !ok {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if _, err := signal.ParseSingleBitPolicy(c.singleBit); err != nil {
		return err
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.queueSize <= 0 {
		return fmt.Errorf("queue-size must be > 0 (got %d)", c.queueSize)
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.mqttQoS < 0 || c.mqttQoS > 2 {
		return fmt.Errorf("mqtt-qos must be 0, 1 or 2 (got %d)", c.mqttQoS)
	}
	if c.frames != "" {
		// one-shot mode reads no source
		return nil
	}
	switch c.source {
	case sourceSocketCAN:
		if c.canIf == "" {
			return errors.New("can-if is required for socketcan")
		}
	case sourceSerial:
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return fmt.Errorf("serial-read-timeout must be > 0")
		}
	case sourceCannelloni:
		if c.cnlAddr == "" {
			return errors.New("cannelloni-addr is required for cannelloni")
		}
		if c.handshakeTO <= 0 {
			return fmt.Errorf("handshake-timeout must be > 0")
		}
	case sourceReplay:
		if c.replayFile == "" {
			return errors.New("replay-file is required for replay")
		}
		if c.replayRate < 0 {
			return fmt.Errorf("replay-rate must be >= 0 (got %g)", c.replayRate)
		}
	default:
		return fmt.Errorf("invalid source: %s (use socketcan|serial|cannelloni|replay)", c.source)
	}
	return nil
}

// envOverrides reads CAN_DECODER_* variables into a config, skipping fields
// whose flag was set explicitly. Empty values are ignored; the first parse
// error is kept.
type envOverrides struct {
	set      map[string]struct{}
	firstErr error
}

func (e *envOverrides) lookup(flagName string) (string, string, bool) {
	if _, ok := e.set[flagName]; ok {
		return "", "", false
	}
	key := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return key, v, ok && v != ""
}

func (e *envOverrides) fail(key string, err error) {
	if e.firstErr == nil {
		e.firstErr = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (e *envOverrides) str(flagName string, dst *string) {
	if _, v, ok := e.lookup(flagName); ok {
		*dst = v
	}
}

func (e *envOverrides) integer(flagName string, dst *int, min int) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	switch {
	case err != nil:
		e.fail(key, err)
	case n < min:
		e.fail(key, fmt.Errorf("%d is below %d", n, min))
	default:
		*dst = n
	}
}

func (e *envOverrides) float(flagName string, dst *float64) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = f
}

func (e *envOverrides) duration(flagName string, dst *time.Duration, allowZero bool) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	switch {
	case err != nil:
		e.fail(key, err)
	case d < 0 || (d == 0 && !allowZero):
		e.fail(key, fmt.Errorf("duration %s out of range", d))
	default:
		*dst = d
	}
}

func (e *envOverrides) boolean(flagName string, dst *bool) {
	_, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

// applyEnvOverrides maps CAN_DECODER_<FLAG> (dashes become underscores) onto
// c unless the flag was set. -frame and -version have no variable.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := &envOverrides{set: set}
	e.str("dbc", &c.dbcPath)
	e.str("source", &c.source)
	e.str("can-if", &c.canIf)
	e.str("serial", &c.serialDev)
	e.integer("baud", &c.baud, 1)
	e.duration("serial-read-timeout", &c.serialReadTO, false)
	e.str("cannelloni-addr", &c.cnlAddr)
	e.duration("handshake-timeout", &c.handshakeTO, false)
	e.str("replay-file", &c.replayFile)
	e.float("replay-rate", &c.replayRate)
	e.str("listen", &c.listenAddr)
	e.integer("max-clients", &c.maxClients, 0)
	e.duration("client-read-timeout", &c.clientReadTO, false)
	e.integer("hub-buffer", &c.hubBuffer, 1)
	e.str("hub-policy", &c.hubPolicy)
	e.integer("queue-size", &c.queueSize, 1)
	e.str("single-bit", &c.singleBit)
	e.str("mqtt-broker", &c.mqttBroker)
	e.str("mqtt-topic", &c.mqttTopic)
	e.str("mqtt-client-id", &c.mqttClientID)
	e.str("mqtt-username", &c.mqttUser)
	e.str("mqtt-password", &c.mqttPass)
	e.integer("mqtt-qos", &c.mqttQoS, 0)
	e.str("metrics-addr", &c.metricsAddr)
	e.str("log-format", &c.logFormat)
	e.str("log-level", &c.logLevel)
	e.duration("log-metrics-interval", &c.logMetricsEvery, true)
	e.boolean("mdns-enable", &c.mdnsEnable)
	e.str("mdns-name", &c.mdnsName)
	return e.firstErr
}
