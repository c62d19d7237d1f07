/*
NAME
  bus.go

DESCRIPTION
  bus.go provides Bus, a thin abstraction over an MQTT client used as the
  SyncStream control-plane transport. It handles connection with capped,
  jittered exponential backoff, re-establishment of subscriptions after
  reconnects, a retained last-will status, and recovery of panicking
  subscription handlers.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>
  Trek Hopton <trek@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package bus provides the topic-based publish/subscribe client used by
// the transmitter and receivers. Delivery is at-least-once (QoS 1) for
// drift reports, offsets, commands and registrations, and best-effort
// (QoS 0) for status and heartbeats.
package bus

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/ausocean/syncstream/protocol"
	"github.com/ausocean/utils/logging"
)

// Connection behavior.
const (
	defaultConnectTimeout   = 10 * time.Second
	defaultPublishTimeout   = 5 * time.Second
	defaultMaxAttempts      = 5
	backoffInitial          = 500 * time.Millisecond
	backoffMax              = 30 * time.Second
	disconnectQuiesceMillis = 250
)

var (
	ErrNotConnected = errors.New("bus: not connected")
	ErrTooLong      = errors.New("bus: payload exceeds maximum message size")
)

// Handler is invoked for each message delivered to a subscription.
type Handler func(topic string, payload []byte)

// Config holds the parameters of a Bus.
type Config struct {
	// BrokerURL is the MQTT broker address, e.g. "tcp://host:1883".
	BrokerURL string

	// ClientID identifies this client to the broker. It must be unique
	// across the deployment.
	ClientID string

	// WillTopic and WillPayload, when set, are registered as a retained
	// last-will so peers observe abrupt disconnects.
	WillTopic   string
	WillPayload []byte

	// OnConnect is called after every successful (re)connection, once
	// subscriptions have been re-established. Receivers use it to re-send
	// their registration.
	OnConnect func()

	// MaxAttempts bounds the initial connection attempts before Connect
	// gives up. Zero means the default.
	MaxAttempts int

	// ConnectTimeout bounds each individual connection attempt.
	ConnectTimeout time.Duration

	Logger logging.Logger
}

// subscription records an active subscription for replay after reconnect.
type subscription struct {
	filter  string
	qos     byte
	handler Handler
}

// Bus is a connection to the MQTT broker.
type Bus struct {
	cfg    Config
	client mqtt.Client
	log    logging.Logger

	mu   sync.Mutex
	subs []subscription

	sent     atomic.Uint64
	received atomic.Uint64
}

// New returns an unconnected Bus with the given configuration.
func New(cfg Config) (*Bus, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("bus: broker URL required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("bus: client ID required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("bus: logger required")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	b := &Bus{cfg: cfg, log: cfg.Logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(protocol.KeepaliveInterval)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(backoffMax)
	opts.SetOrderMatters(true)
	if cfg.WillTopic != "" {
		opts.SetBinaryWill(cfg.WillTopic, cfg.WillPayload, protocol.DefaultQoS, true)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) { b.onConnect() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.Warning("bus: connection lost", "error", err.Error())
	})

	b.client = mqtt.NewClient(opts)
	return b, nil
}

// Connect establishes the broker connection, retrying with capped
// exponential backoff and jitter up to MaxAttempts before returning an
// error. Once connected, the underlying client reconnects on its own;
// subscriptions are replayed and OnConnect re-run on every reconnection.
func (b *Bus) Connect() error {
	backoff := backoffInitial
	var err error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		tok := b.client.Connect()
		tok.Wait()
		err = tok.Error()
		if err == nil {
			b.log.Info("bus: connected", "broker", b.cfg.BrokerURL, "clientID", b.cfg.ClientID)
			return nil
		}
		if attempt == b.cfg.MaxAttempts {
			break
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		b.log.Warning("bus: connect failed", "attempt", attempt, "error", err.Error(), "retryIn", sleep.String())
		time.Sleep(sleep)
		if backoff < backoffMax {
			backoff *= 2
		}
	}
	return fmt.Errorf("bus: could not connect after %d attempts: %w", b.cfg.MaxAttempts, err)
}

// onConnect replays subscriptions and runs the configured hook.
func (b *Bus) onConnect() {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if err := b.subscribe(s); err != nil {
			b.log.Error("bus: resubscribe failed", "filter", s.filter, "error", err.Error())
		}
	}
	if b.cfg.OnConnect != nil {
		b.cfg.OnConnect()
	}
}

// Close disconnects from the broker. It is safe to call more than once.
func (b *Bus) Close() {
	if b.client.IsConnected() {
		b.client.Disconnect(disconnectQuiesceMillis)
		b.log.Info("bus: disconnected")
	}
}

// Publish sends payload to topic at the given QoS level. Payloads above
// protocol.MaxMessageSize are rejected.
func (b *Bus) Publish(topic string, qos byte, payload []byte) error {
	if len(payload) > protocol.MaxMessageSize {
		return ErrTooLong
	}
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	tok := b.client.Publish(topic, qos, false, payload)
	if !tok.WaitTimeout(defaultPublishTimeout) {
		return errors.Errorf("bus: publish to %s timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return errors.Wrapf(err, "bus: publish to %s failed", topic)
	}
	b.sent.Add(1)
	return nil
}

// Subscribe registers handler for all messages matching filter, which may
// contain the + and # wildcards. The subscription survives reconnects.
// A panicking handler is recovered and logged; it never takes down the
// bus.
func (b *Bus) Subscribe(filter string, qos byte, handler Handler) error {
	s := subscription{filter: filter, qos: qos, handler: handler}
	if err := b.subscribe(s); err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return nil
}

func (b *Bus) subscribe(s subscription) error {
	tok := b.client.Subscribe(s.filter, s.qos, func(_ mqtt.Client, m mqtt.Message) {
		b.received.Add(1)
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("bus: subscription handler panicked", "topic", m.Topic(), "panic", fmt.Sprint(r))
			}
		}()
		s.handler(m.Topic(), m.Payload())
	})
	if !tok.WaitTimeout(defaultPublishTimeout) {
		return errors.Errorf("bus: subscribe to %s timed out", s.filter)
	}
	if err := tok.Error(); err != nil {
		return errors.Wrapf(err, "bus: subscribe to %s failed", s.filter)
	}
	b.log.Debug("bus: subscribed", "filter", s.filter, "qos", int(s.qos))
	return nil
}

// Stats reports message counters.
func (b *Bus) Stats() (sent, received uint64) {
	return b.sent.Load(), b.received.Load()
}

// TopicMatches reports whether topic matches filter under MQTT matching
// rules: + matches exactly one level and # matches any number of trailing
// levels.
func TopicMatches(filter, topic string) bool {
	f := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return i == len(f)-1
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}
	return len(f) == len(tp)
}
