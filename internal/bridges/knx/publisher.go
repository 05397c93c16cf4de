package knx

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// defaultRetryBackoff is the pause between a failed publish and its retry.
const defaultRetryBackoff = 1 * time.Second

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic and waits for the transport result.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool

	// Reconnect re-establishes the broker session.
	Reconnect() error
}

// PublisherConfig holds configuration for the outbound publisher.
type PublisherConfig struct {
	// Client is the shared MQTT client.
	Client MQTTClient

	// QoS for event messages.
	QoS byte

	// Backoff is the pause before the single retry.
	// Default: 1 second.
	Backoff time.Duration

	// Resubscribe restores the command subscription after a reconnect.
	Resubscribe func() error

	// Observer receives publish counters. Optional.
	Observer Observer
}

// Publisher serialises all use of the shared MQTT client for publishing and
// applies the delivery policy: on failure wait Backoff, reconnect and
// re-subscribe if the client reports disconnected, then retry exactly once.
//
// Thread Safety: All methods are safe for concurrent use; publishes and
// reconnects never interleave.
type Publisher struct {
	client      MQTTClient
	qos         byte
	backoff     time.Duration
	resubscribe func() error
	observer    Observer

	mu sync.Mutex

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex
}

// NewPublisher creates a publisher.
func NewPublisher(cfg PublisherConfig) *Publisher {
	backoff := cfg.Backoff
	if backoff == 0 {
		backoff = defaultRetryBackoff
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	return &Publisher{
		client:      cfg.Client,
		qos:         cfg.QoS,
		backoff:     backoff,
		resubscribe: cfg.Resubscribe,
		observer:    observer,
	}
}

// Publish delivers payload on topic with the retry-once policy.
//
// The backoff sleep is not interrupted by ctx; an in-flight publish runs to
// completion during shutdown.
//
// Returns:
//   - error: ErrDeliveryFailed wrapping the retry error
func (p *Publisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.client.Publish(topic, payload, p.qos, false)
	if err == nil {
		p.observer.Published()
		p.logInfo("published", "topic", topic, "payload", string(payload))
		return nil
	}

	p.logWarn("publish failed, retrying", "topic", topic, "error", err)
	p.observer.PublishRetried()
	time.Sleep(p.backoff)

	if !p.client.IsConnected() {
		p.logInfo("reconnecting MQTT client")
		if rerr := p.client.Reconnect(); rerr != nil {
			p.logError("MQTT reconnect failed", "error", rerr)
		} else if p.resubscribe != nil {
			if serr := p.resubscribe(); serr != nil {
				p.logError("MQTT re-subscribe failed", "error", serr)
			}
		}
	}

	if err := p.client.Publish(topic, payload, p.qos, false); err != nil {
		p.observer.DeliveryFailed()
		p.logError("delivery failed after retry", "topic", topic, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, topic, err)
	}

	p.observer.Published()
	p.logInfo("retry published", "topic", topic)
	return nil
}

// PublishRetained publishes without the retry policy, serialised with other
// publishes. Used for health messages.
func (p *Publisher) PublishRetained(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client.Publish(topic, payload, p.qos, true)
}

// IsConnected reports the client connection state.
func (p *Publisher) IsConnected() bool {
	return p.client.IsConnected()
}

// SetLogger sets the logger for this publisher.
func (p *Publisher) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

func (p *Publisher) getLogger() Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

func (p *Publisher) logInfo(msg string, keysAndValues ...any) {
	if l := p.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (p *Publisher) logWarn(msg string, keysAndValues ...any) {
	if l := p.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (p *Publisher) logError(msg string, keysAndValues ...any) {
	if l := p.getLogger(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}
