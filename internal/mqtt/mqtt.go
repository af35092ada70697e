// Package mqtt publishes decoded frames to an MQTT broker, one JSON object
// per frame on <topic>/<message>.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"

	"github.com/kstaniek/go-can-decoder/internal/logging"
	"github.com/kstaniek/go-can-decoder/internal/metrics"
	"github.com/kstaniek/go-can-decoder/internal/sample"
)

var (
	ErrConnect = errors.New("mqtt connect")
	ErrPublish = errors.New("mqtt publish")
	ErrClosed  = errors.New("mqtt sink closed")
)

const (
	defaultTopic       = "can"
	defaultClientID    = "can-decoder"
	defaultKeepAlive   = 30
	defaultDialTimeout = 5 * time.Second
	publishTimeout     = 2 * time.Second
)

// Config describes the broker session.
type Config struct {
	Broker      string // host:port
	ClientID    string
	Username    string
	Password    string
	Topic       string
	QoS         byte
	Retain      bool
	KeepAlive   uint16
	DialTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Topic == "" {
		c.Topic = defaultTopic
	}
	c.Topic = strings.TrimRight(c.Topic, "/")
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = defaultKeepAlive
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// Publisher is the part of *paho.Client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Sink turns sample batches into MQTT publishes.
type Sink struct {
	cfg       Config
	pub       Publisher
	codec     sample.Codec
	log       *slog.Logger
	closeOnce sync.Once
	closeFn   func() error
	closed    atomic.Bool
	published atomic.Uint64
	failed    atomic.Uint64
}

// test hook
var dialTCP = func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Dial connects to cfg.Broker and returns a ready sink.
func Dial(ctx context.Context, cfg Config) (*Sink, error) {
	cfg.setDefaults()
	conn, err := dialTCP(ctx, cfg.Broker, cfg.DialTimeout)
	if err != nil {
		metrics.IncError(metrics.ErrMQTTConnect)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, cfg.Broker, err)
	}
	client := paho.NewClient(paho.ClientConfig{
		Conn: packets.NewThreadSafeConn(conn),
	})
	cp := &paho.Connect{
		KeepAlive:  cfg.KeepAlive,
		ClientID:   cfg.ClientID,
		CleanStart: true,
	}
	if cfg.Username != "" {
		cp.Username = cfg.Username
		cp.UsernameFlag = true
	}
	if cfg.Password != "" {
		cp.Password = []byte(cfg.Password)
		cp.PasswordFlag = true
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	ca, err := client.Connect(cctx, cp)
	if err != nil {
		_ = conn.Close()
		metrics.IncError(metrics.ErrMQTTConnect)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, cfg.Broker, err)
	}
	if ca.ReasonCode != 0 {
		_ = conn.Close()
		metrics.IncError(metrics.ErrMQTTConnect)
		reason := ""
		if ca.Properties != nil {
			reason = ca.Properties.ReasonString
		}
		return nil, fmt.Errorf("%w: %s: reason %d %s", ErrConnect, cfg.Broker, ca.ReasonCode, reason)
	}
	s := NewSink(client, cfg)
	s.closeFn = func() error {
		err := client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		_ = conn.Close()
		return err
	}
	s.log.Info("mqtt_connected", "broker", cfg.Broker, "client_id", cfg.ClientID, "topic", cfg.Topic)
	return s, nil
}

// NewSink wraps an already connected publisher.
func NewSink(pub Publisher, cfg Config) *Sink {
	cfg.setDefaults()
	return &Sink{cfg: cfg, pub: pub, log: logging.L().With("component", "mqtt")}
}

// Topic returns the topic a message is published on.
func (s *Sink) Topic(message string) string { return s.cfg.Topic + "/" + message }

// Publish sends batch, the samples of one frame, as a single JSON object.
// Failures are counted and logged; the caller may ignore the returned error.
func (s *Sink) Publish(ctx context.Context, batch []sample.Sample) error {
	if len(batch) == 0 {
		return nil
	}
	if s.closed.Load() {
		return ErrClosed
	}
	payload, err := s.codec.EncodeFrame(batch)
	if err != nil {
		return s.fail(batch[0].Message, err)
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err = s.pub.Publish(pctx, &paho.Publish{
		Topic:   s.Topic(batch[0].Message),
		QoS:     s.cfg.QoS,
		Retain:  s.cfg.Retain,
		Payload: payload,
	})
	if err != nil {
		return s.fail(batch[0].Message, err)
	}
	s.published.Add(1)
	metrics.IncMQTTPublished()
	return nil
}

func (s *Sink) fail(message string, err error) error {
	n := s.failed.Add(1)
	metrics.IncError(metrics.ErrMQTTPublish)
	// first failure at warn, later ones at debug
	if n == 1 {
		s.log.Warn("mqtt_publish_failed", "message", message, "error", err)
	} else {
		s.log.Debug("mqtt_publish_failed", "message", message, "error", err, "failures", n)
	}
	return fmt.Errorf("%w: %s: %w", ErrPublish, message, err)
}

// Stats returns published and failed publish counts.
func (s *Sink) Stats() (published, failed uint64) {
	return s.published.Load(), s.failed.Load()
}

// Close disconnects from the broker (idempotent).
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.closeFn != nil {
			err = s.closeFn()
		}
		p, f := s.Stats()
		s.log.Info("mqtt_closed", "published", p, "failed", f)
	})
	return err
}
