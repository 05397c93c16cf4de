package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/nerrad567/bluehome-bridge/internal/bridges/knx"
	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/config"
)

// Writer settings.
const (
	batchSize    = 100
	batchTimeout = 50 * time.Millisecond
	writeTimeout = 10 * time.Second
)

// messageWriter is the subset of *kafkago.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// envelope is the message value.
type envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Sink mirrors telemetry onto a Kafka topic.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Sink struct {
	writer messageWriter
	topic  string

	closed bool
	mu     sync.RWMutex

	onError func(err error)
	errMu   sync.RWMutex
}

// NewSink creates an asynchronous, hash-balanced writer for cfg.Topic.
//
// No connection is made until the first message is flushed.
//
// Parameters:
//   - cfg: Kafka configuration; Brokers must be non-empty
//
// Returns:
//   - *Sink: Ready for Mirror
//   - error: ErrNoBrokers
func NewSink(cfg config.KafkaConfig) (*Sink, error) {
	if !cfg.Enabled() {
		return nil, ErrNoBrokers
	}

	s := &Sink{topic: cfg.Topic}
	s.writer = &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		WriteTimeout: writeTimeout,
		RequiredAcks: kafkago.RequireOne,
		Async:        true,
		Completion:   s.complete,
	}
	return s, nil
}

// complete receives the result of each async batch.
func (s *Sink) complete(msgs []kafkago.Message, err error) {
	if err == nil {
		return
	}
	s.reportError(fmt.Errorf("%w: %d messages: %w", ErrWriteFailed, len(msgs), err))
}

func (s *Sink) reportError(err error) {
	s.errMu.RLock()
	callback := s.onError
	s.errMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// SetOnError sets a callback to be invoked when an async write fails.
func (s *Sink) SetOnError(callback func(err error)) {
	s.errMu.Lock()
	s.onError = callback
	s.errMu.Unlock()
}

// Name identifies the sink in logs.
func (s *Sink) Name() string {
	return "kafka"
}

// Mirror queues one published value.
//
// Returns:
//   - error: ErrClosed after Close, or an encoding/queueing error
func (s *Sink) Mirror(ctx context.Context, t knx.Telemetry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	msg, err := telemetryMessage(t)
	if err != nil {
		return err
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// Close flushes queued messages and closes the writer. Safe to call twice.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}

// telemetryMessage builds the Kafka message for t.
func telemetryMessage(t knx.Telemetry) (kafkago.Message, error) {
	payload := json.RawMessage(t.Payload)
	if !json.Valid(payload) {
		// Keep the envelope valid JSON whatever the payload holds.
		quoted, err := json.Marshal(string(t.Payload))
		if err != nil {
			return kafkago.Message{}, err
		}
		payload = quoted
	}

	value, err := json.Marshal(envelope{Topic: t.Topic, Payload: payload})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("encoding telemetry: %w", err)
	}

	return kafkago.Message{
		Key:   []byte(t.Device.Name),
		Value: value,
		Time:  t.At,
	}, nil
}
