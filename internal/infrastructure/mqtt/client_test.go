package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Address:   "tcp://127.0.0.1:1883",
		ClientID:  "bluehome-test",
		QoS:       1,
		TimeoutMS: 2000,
		KeepAlive: 30,
	}
}

// offlineClient returns a Client that has never connected.
func offlineClient(cfg config.MQTTConfig) *Client {
	opts := buildClientOptions(cfg)
	return &Client{
		cfg:     cfg,
		options: opts,
		client:  pahomqtt.NewClient(opts),
	}
}

// mockLogger implements Logger for testing.
type mockLogger struct {
	mu     sync.Mutex
	debugs []string
	errors []string
	warns  []string
}

func (l *mockLogger) Debug(msg string, _ ...any) {
	l.mu.Lock()
	l.debugs = append(l.debugs, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

func (l *mockLogger) Warns() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// ─── Options ────────────────────────────────────────────────────────

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Username = "bridge"
	cfg.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "bluehome-test" {
		t.Errorf("ClientID = %q, want bluehome-test", opts.ClientID)
	}
	if opts.Username != "bridge" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want bridge/secret", opts.Username, opts.Password)
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want false")
	}
	if opts.KeepAlive != 30 {
		t.Errorf("KeepAlive = %d, want 30", opts.KeepAlive)
	}
	if opts.ConnectTimeout != 2*time.Second {
		t.Errorf("ConnectTimeout = %v, want 2s", opts.ConnectTimeout)
	}
}

func TestBuildClientOptionsAnonymous(t *testing.T) {
	opts := buildClientOptions(testConfig())

	if opts.Username != "" || opts.Password != "" {
		t.Errorf("credentials = %q/%q, want empty", opts.Username, opts.Password)
	}
}

func TestConfigureLWT(t *testing.T) {
	tests := []struct {
		name    string
		will    Will
		enabled bool
	}{
		{"no will", Will{}, false},
		{"health will", Will{Topic: "bridge/health", Payload: []byte(`{"status":"offline"}`)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := pahomqtt.NewClientOptions()
			configureLWT(opts, tt.will, 1)

			if opts.WillEnabled != tt.enabled {
				t.Fatalf("WillEnabled = %v, want %v", opts.WillEnabled, tt.enabled)
			}
			if !tt.enabled {
				return
			}
			if opts.WillTopic != tt.will.Topic {
				t.Errorf("WillTopic = %q, want %q", opts.WillTopic, tt.will.Topic)
			}
			if string(opts.WillPayload) != string(tt.will.Payload) {
				t.Errorf("WillPayload = %q, want %q", opts.WillPayload, tt.will.Payload)
			}
			if !opts.WillRetained {
				t.Error("WillRetained = false, want true")
			}
			if opts.WillQos != 1 {
				t.Errorf("WillQos = %d, want 1", opts.WillQos)
			}
		})
	}
}

// ─── Connection ─────────────────────────────────────────────────────

func TestConnectBrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Address = "tcp://127.0.0.1:19999"
	cfg.TimeoutMS = 500

	_, err := Connect(cfg, Will{})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIsConnectedInitialState(t *testing.T) {
	c := offlineClient(testConfig())

	if c.IsConnected() {
		t.Error("IsConnected() = true for a client that never connected")
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	c := offlineClient(testConfig())

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestHandleDisconnect(t *testing.T) {
	c := offlineClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)
	c.setConnected(true)

	var got error
	c.SetOnDisconnect(func(err error) { got = err })

	cause := errors.New("EOF")
	c.handleDisconnect(cause)

	if c.IsConnected() {
		t.Error("IsConnected() = true after connection lost")
	}
	if !errors.Is(got, cause) {
		t.Errorf("onDisconnect error = %v, want %v", got, cause)
	}
	if warns := logger.Warns(); len(warns) != 1 || warns[0] != "MQTT connection lost" {
		t.Errorf("warns = %v, want [MQTT connection lost]", warns)
	}
}

// ─── Validation ─────────────────────────────────────────────────────

func TestPublishValidation(t *testing.T) {
	c := offlineClient(testConfig())

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "a/b", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "a/b", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"disconnected", "a/b", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := offlineClient(testConfig())
	noop := func(string, []byte) {}

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 1, noop, ErrInvalidTopic},
		{"invalid qos", "a/#", 3, noop, ErrInvalidQoS},
		{"nil handler", "a/#", 1, nil, ErrSubscribeFailed},
		{"disconnected", "a/#", 1, noop, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// ─── Handlers ───────────────────────────────────────────────────────

func TestWrapHandlerDelivers(t *testing.T) {
	c := offlineClient(testConfig())

	var gotTopic, gotPayload string
	wrapped := c.wrapHandler(func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = string(payload)
	})

	wrapped(nil, fakeMessage{topic: "iot-2/cmd/x", payload: []byte("on")})

	if gotTopic != "iot-2/cmd/x" || gotPayload != "on" {
		t.Errorf("handler got %q/%q, want iot-2/cmd/x/on", gotTopic, gotPayload)
	}
}

func TestWrapHandlerRecoversPanic(t *testing.T) {
	c := offlineClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)

	wrapped := c.wrapHandler(func(string, []byte) {
		panic("boom")
	})

	wrapped(nil, fakeMessage{topic: "a/b"})

	errs := logger.Errors()
	if len(errs) != 1 || !strings.Contains(errs[0], "panic") {
		t.Errorf("errors = %v, want one panic log", errs)
	}
}

func TestWrapHandlerPanicWithoutLogger(t *testing.T) {
	c := offlineClient(testConfig())

	wrapped := c.wrapHandler(func(string, []byte) {
		panic("boom")
	})

	// Must not propagate.
	wrapped(nil, fakeMessage{topic: "a/b"})
}

func TestSetLogger(t *testing.T) {
	c := offlineClient(testConfig())

	c.SetLogger(&mockLogger{})
	if c.getLogger() == nil {
		t.Error("getLogger() = nil after SetLogger()")
	}

	c.SetLogger(nil)
	if c.getLogger() != nil {
		t.Error("getLogger() should be nil after SetLogger(nil)")
	}
}
