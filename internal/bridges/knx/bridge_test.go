package knx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/bluehome-bridge/internal/device"
)

// ─── Mocks ────────────────────────────────────────────────────────────────

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	attempts      int
	publishErrs   []error
	publishDelay  time.Duration
	inflight      int
	maxInflight   int
	subscriptions []mockSubscription
	handlers      map[string]func(topic string, payload []byte)
	connected     bool
	reconnects    int
	reconnectErr  error
	subscribeErr  error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	m.inflight++
	if m.inflight > m.maxInflight {
		m.maxInflight = m.inflight
	}
	delay := m.publishDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	m.attempts++

	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		if err != nil {
			return err
		}
	}

	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
	if m.reconnectErr != nil {
		return m.reconnectErr
	}
	m.connected = true
	return nil
}

// FailNext queues publish results; nil entries succeed.
func (m *MockMQTTClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErrs = append(m.publishErrs, errs...)
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

// GetEvents returns non-retained publishes.
func (m *MockMQTTClient) GetEvents() []mockPublish {
	var events []mockPublish
	for _, p := range m.GetPublished() {
		if !p.Retained {
			events = append(events, p)
		}
	}
	return events
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

func (m *MockMQTTClient) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *MockMQTTClient) Reconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[CommandSubscribeTopic]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

// mockMonitor replays queued frames and errors, then blocks until ctx ends.
type mockMonitor struct {
	mu        sync.Mutex
	results   []monitorResult
	connected bool
}

type monitorResult struct {
	raw []byte
	err error
}

func newMockMonitor(results ...monitorResult) *mockMonitor {
	return &mockMonitor{results: results, connected: true}
}

func frameResult(raw []byte) monitorResult {
	return monitorResult{raw: raw}
}

func errResult(kind BusErrorKind) monitorResult {
	return monitorResult{err: busError(kind, "monitor", nil)}
}

func (m *mockMonitor) MonitorNext(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	if len(m.results) > 0 {
		r := m.results[0]
		m.results = m.results[1:]
		m.mu.Unlock()
		return r.raw, r.err
	}
	m.mu.Unlock()

	<-ctx.Done()
	return nil, busError(BusErrTimeout, "monitor", ctx.Err())
}

func (m *mockMonitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// mockWriter records group writes made through short-lived sessions.
type mockWriter struct {
	mu       sync.Mutex
	writes   []groupWrite
	opens    int
	closes   int
	openErr  error
	writeErr error
}

type groupWrite struct {
	Dst  uint16
	APDU []byte
}

func (w *mockWriter) Open(_ context.Context) (GroupWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.openErr != nil {
		return nil, w.openErr
	}
	w.opens++
	return &mockWriterSession{parent: w}, nil
}

func (w *mockWriter) Writes() []groupWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]groupWrite(nil), w.writes...)
}

func (w *mockWriter) Counts() (opens, closes int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opens, w.closes
}

type mockWriterSession struct {
	parent *mockWriter
}

func (s *mockWriterSession) WriteGroup(_ context.Context, dst uint16, apdu []byte) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	if s.parent.writeErr != nil {
		return s.parent.writeErr
	}
	s.parent.writes = append(s.parent.writes, groupWrite{Dst: dst, APDU: append([]byte(nil), apdu...)})
	return nil
}

func (s *mockWriterSession) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.closes++
	return nil
}

// mockObserver counts observer callbacks.
type mockObserver struct {
	mu       sync.Mutex
	received int
	dropped  map[string]int
	pub      int
	retried  int
	failed   int
	commands map[string]int
}

func newMockObserver() *mockObserver {
	return &mockObserver{dropped: map[string]int{}, commands: map[string]int{}}
}

func (o *mockObserver) FrameReceived(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received++
}

func (o *mockObserver) FrameDropped(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped[reason]++
}

func (o *mockObserver) Published() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pub++
}

func (o *mockObserver) PublishRetried() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retried++
}

func (o *mockObserver) DeliveryFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *mockObserver) CommandHandled(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands[result]++
}

func (o *mockObserver) Dropped(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[reason]
}

func (o *mockObserver) Command(result string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.commands[result]
}

// mockRecorder collects recorded frames.
type mockRecorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *mockRecorder) Record(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

// mockSink collects mirrored telemetry.
type mockSink struct {
	mu    sync.Mutex
	name  string
	items []Telemetry
	err   error
}

func (s *mockSink) Name() string { return s.name }

func (s *mockSink) Mirror(_ context.Context, t Telemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, t)
	return s.err
}

func (s *mockSink) Items() []Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Telemetry(nil), s.items...)
}

// testLogger records log lines.
type testLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	Level string
	Msg   string
	KV    []any
}

func (l *testLogger) add(level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{Level: level, Msg: msg, KV: kv})
}

func (l *testLogger) Debug(msg string, kv ...any) { l.add("debug", msg, kv) }
func (l *testLogger) Info(msg string, kv ...any)  { l.add("info", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...any)  { l.add("warn", msg, kv) }
func (l *testLogger) Error(msg string, kv ...any) { l.add("error", msg, kv) }

// Traces returns the monitor trace lines.
func (l *testLogger) Traces() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		if e.Msg == "EIB" && len(e.KV) == 2 {
			if s, ok := e.KV[1].(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// ─── Fixtures ─────────────────────────────────────────────────────────────

var testDevices = []device.Record{
	{GroupAddress: "0/0/5", Name: "Boiler", Category: "Temperature", Measurement: "Measurement"},
	{GroupAddress: "1/2/3", Name: "Kitchen", Category: "Light", Measurement: "Switch"},
	{GroupAddress: "1/2/4", Name: "Blind", Category: "Shutter", Measurement: "Position"},
	{GroupAddress: "1.1.9", Name: "Gateway", Category: "System", Measurement: "Status"},
}

var testClock = time.Date(2024, 3, 15, 9, 5, 7, 0, time.Local)

type bridgeFixture struct {
	bridge   *Bridge
	mqtt     *MockMQTTClient
	monitor  *mockMonitor
	writer   *mockWriter
	observer *mockObserver
	recorder *mockRecorder
	logger   *testLogger
}

func newBridgeFixture(t *testing.T, monitor *mockMonitor, mutate func(*BridgeOptions)) *bridgeFixture {
	t.Helper()

	fx := &bridgeFixture{
		mqtt:     NewMockMQTTClient(),
		monitor:  monitor,
		writer:   &mockWriter{},
		observer: newMockObserver(),
		recorder: &mockRecorder{},
		logger:   &testLogger{},
	}

	opts := BridgeOptions{
		Monitor:      monitor,
		OpenWriter:   fx.writer.Open,
		MQTTClient:   fx.mqtt,
		Devices:      device.NewRegistry(testDevices, device.WithAddressNormalizer(CanonicalGroupAddress)),
		Recorder:     fx.recorder,
		Observer:     fx.observer,
		Logger:       fx.logger,
		QoS:          1,
		RetryBackoff: time.Millisecond,
		ClientID:     "bluehome-test",
		Version:      "test",
		Clock:        func() time.Time { return testClock },
	}
	if mutate != nil {
		mutate(&opts)
	}

	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge() error: %v", err)
	}
	t.Cleanup(b.Stop)
	fx.bridge = b
	return fx
}

// runBridge runs the bridge loop with a safety timeout.
func runBridge(t *testing.T, b *Bridge) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Run(ctx)
}

// ─── Construction ─────────────────────────────────────────────────────────

func TestNewBridge_RequiredOptions(t *testing.T) {
	valid := func() BridgeOptions {
		w := &mockWriter{}
		return BridgeOptions{
			Monitor:    newMockMonitor(),
			OpenWriter: w.Open,
			MQTTClient: NewMockMQTTClient(),
			Devices:    device.NewRegistry(nil),
		}
	}

	tests := []struct {
		name   string
		mutate func(*BridgeOptions)
	}{
		{name: "monitor", mutate: func(o *BridgeOptions) { o.Monitor = nil }},
		{name: "writer", mutate: func(o *BridgeOptions) { o.OpenWriter = nil }},
		{name: "mqtt", mutate: func(o *BridgeOptions) { o.MQTTClient = nil }},
		{name: "devices", mutate: func(o *BridgeOptions) { o.Devices = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid()
			tt.mutate(&opts)
			if _, err := NewBridge(opts); err == nil {
				t.Error("NewBridge() expected error")
			}
		})
	}

	if _, err := NewBridge(valid()); err != nil {
		t.Errorf("NewBridge(valid) error: %v", err)
	}
}

func TestBridge_StartSubscribes(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(), nil)

	if err := fx.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	subs := fx.mqtt.GetSubscriptions()
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(subs))
	}
	if subs[0].Topic != CommandSubscribeTopic || subs[0].QoS != 1 {
		t.Errorf("subscription = %+v", subs[0])
	}
}

func TestBridge_StartSubscribeFailure(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(), nil)
	fx.mqtt.subscribeErr = errors.New("not authorised")

	if err := fx.bridge.Start(context.Background()); err == nil {
		t.Fatal("Start() expected error")
	}
}

func TestBridge_StartPublishesHealth(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(), func(o *BridgeOptions) {
		o.HealthInterval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fx.bridge.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	ok := waitFor(t, time.Second, func() bool {
		var n int
		for _, p := range fx.mqtt.GetPublished() {
			if p.Topic == HealthTopic && p.Retained {
				n++
			}
		}
		return n >= 2
	})
	if !ok {
		t.Fatal("expected starting and initial health messages")
	}

	first := fx.mqtt.GetPublished()[0]
	if !bytes.Contains(first.Payload, []byte(`"status":"starting"`)) {
		t.Errorf("first health payload = %s, want starting", first.Payload)
	}
}

// ─── Outbound ─────────────────────────────────────────────────────────────

func TestBridge_PublishesDeviceValue(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(frameResult(boilerFrame)), func(o *BridgeOptions) {
		o.Count = 1
	})

	if err := runBridge(t, fx.bridge); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	events := fx.mqtt.GetEvents()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}

	wantTopic := "iot-2/type/Temperature/id/Boiler/evt/Measurement/fmt/json"
	wantPayload := `{"d":{"value":"42.00","date":"2024/03/15","time":"09:05:07"}}`
	if events[0].Topic != wantTopic {
		t.Errorf("topic = %q, want %q", events[0].Topic, wantTopic)
	}
	if string(events[0].Payload) != wantPayload {
		t.Errorf("payload = %s, want %s", events[0].Payload, wantPayload)
	}
	if events[0].QoS != 1 {
		t.Errorf("QoS = %d, want 1", events[0].QoS)
	}

	stats := fx.bridge.Stats()
	if stats.FramesReceived != 1 || stats.Published != 1 || stats.FramesDropped != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestBridge_TracesEveryFrame(t *testing.T) {
	groupRead := []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x01, 0x0A, 0x03, 0x01, 0x00, 0x00}
	fx := newBridgeFixture(t, newMockMonitor(frameResult(boilerFrame), frameResult(groupRead)), func(o *BridgeOptions) {
		o.Count = 2
	})

	if err := runBridge(t, fx.bridge); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	traces := fx.logger.Traces()
	if len(traces) != 2 {
		t.Fatalf("traces = %d, want 2", len(traces))
	}
	if !strings.HasPrefix(traces[0], "1: 2024/03/15 09:05:07:000") {
		t.Errorf("trace[0] = %q, want sequence prefix", traces[0])
	}
	if !strings.HasSuffix(traces[1], "R    1/2/3") {
		t.Errorf("trace[1] = %q, want read without values", traces[1])
	}

	fx.recorder.mu.Lock()
	recorded := len(fx.recorder.frames)
	fx.recorder.mu.Unlock()
	if recorded != 2 {
		t.Errorf("recorded frames = %d, want 2", recorded)
	}
}

func TestBridge_DropsFrames(t *testing.T) {
	tests := []struct {
		name   string
		raw    []byte
		reason string
	}{
		{
			name:   "truncated",
			raw:    []byte{0x29, 0x00, 0xBC},
			reason: DropTruncated,
		},
		{
			name:   "group read",
			raw:    []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x01, 0x0A, 0x03, 0x01, 0x00, 0x00},
			reason: DropRead,
		},
		{
			name:   "unknown length",
			raw:    []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x01, 0x00, 0x05, 0x00, 0x00, 0x80},
			reason: DropDecode,
		},
		{
			name:   "short payload",
			raw:    []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x01, 0x00, 0x05, 0x05, 0x00, 0x80, 0x01},
			reason: DropDecode,
		},
		{
			name:   "unknown device",
			raw:    []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x01, 0x00, 0x09, 0x03, 0x00, 0x80, 0x14, 0x1A},
			reason: DropUnknownDevice,
		},
		{
			name:   "invalid float",
			raw:    []byte{0x29, 0x00, 0xBC, 0xE0, 0x11, 0x01, 0x00, 0x05, 0x03, 0x00, 0x80, 0x7F, 0xFF},
			reason: DropPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newBridgeFixture(t, newMockMonitor(frameResult(tt.raw)), func(o *BridgeOptions) {
				o.Count = 1
			})

			if err := runBridge(t, fx.bridge); err != nil {
				t.Fatalf("Run() error: %v", err)
			}

			if got := len(fx.mqtt.GetEvents()); got != 0 {
				t.Errorf("published %d events, want 0", got)
			}
			if got := fx.observer.Dropped(tt.reason); got != 1 {
				t.Errorf("dropped[%s] = %d, want 1", tt.reason, got)
			}
			if stats := fx.bridge.Stats(); stats.FramesDropped != 1 || stats.FramesReceived != 1 {
				t.Errorf("Stats() = %+v", stats)
			}
		})
	}
}

func TestBridge_IndividualDestinationUsesGroupKey(t *testing.T) {
	// DAF clear: 0x0A03 prints as 0.10.3 but is looked up as 1/2/3.
	raw := []byte{0x29, 0x00, 0xBC, 0x60, 0x11, 0x01, 0x0A, 0x03, 0x01, 0x00, 0x81}
	fx := newBridgeFixture(t, newMockMonitor(frameResult(raw)), func(o *BridgeOptions) {
		o.Count = 1
	})

	if err := runBridge(t, fx.bridge); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	events := fx.mqtt.GetEvents()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	if events[0].Topic != "iot-2/type/Light/id/Kitchen/evt/Switch/fmt/json" {
		t.Errorf("topic = %q", events[0].Topic)
	}
	if !bytes.Contains(events[0].Payload, []byte(`"value":"1"`)) {
		t.Errorf("payload = %s, want value 1", events[0].Payload)
	}
}

func TestBridge_MirrorsTelemetry(t *testing.T) {
	good := &mockSink{name: "good"}
	bad := &mockSink{name: "bad", err: errors.New("write refused")}

	fx := newBridgeFixture(t, newMockMonitor(frameResult(boilerFrame), frameResult(boilerFrame)), func(o *BridgeOptions) {
		o.Count = 2
		o.Sinks = []TelemetrySink{bad, good}
	})

	if err := runBridge(t, fx.bridge); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	items := good.Items()
	if len(items) != 2 {
		t.Fatalf("mirrored %d items, want 2", len(items))
	}
	if items[0].Device.Name != "Boiler" || items[0].Value != "42.00" || !items[0].At.Equal(testClock) {
		t.Errorf("telemetry = %+v", items[0])
	}
	if len(bad.Items()) != 2 {
		t.Error("failing sink should still be called for every value")
	}
	if got := len(fx.mqtt.GetEvents()); got != 2 {
		t.Errorf("published %d events, want 2", got)
	}
}

// ─── Delivery Policy ──────────────────────────────────────────────────────

func TestBridge_RetryAfterReconnect(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(frameResult(boilerFrame), frameResult(boilerFrame)), func(o *BridgeOptions) {
		o.Count = 2
	})
	if err := fx.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// First publish fails and the client reports the connection lost.
	fx.mqtt.FailNext(errors.New("connection lost"))
	fx.mqtt.SetConnected(false)

	if err := runBridge(t, fx.bridge); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := fx.mqtt.Reconnects(); got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
	if got := len(fx.mqtt.GetSubscriptions()); got != 2 {
		t.Errorf("subscriptions = %d, want 2 (initial + re-subscribe)", got)
	}
	// One failed attempt, one retry, one normal publish for the second frame.
	if got := fx.mqtt.Attempts(); got != 3 {
		t.Errorf("publish attempts = %d, want 3", got)
	}
	if got := len(fx.mqtt.GetEvents()); got != 2 {
		t.Errorf("published %d events, want 2", got)
	}
	if fx.observer.retried != 1 {
		t.Errorf("retries = %d, want 1", fx.observer.retried)
	}
}

func TestBridge_DeliveryFailureContinues(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(frameResult(boilerFrame), frameResult(boilerFrame)), func(o *BridgeOptions) {
		o.Count = 2
	})

	fx.mqtt.FailNext(errors.New("broker busy"), errors.New("broker busy"))

	if err := runBridge(t, fx.bridge); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	stats := fx.bridge.Stats()
	if stats.DeliveryFailures != 1 || stats.Published != 1 {
		t.Errorf("Stats() = %+v, want 1 failure and 1 published", stats)
	}
	if fx.mqtt.Reconnects() != 0 {
		t.Error("connected client should not be reconnected")
	}
}

// ─── Monitor Loop ─────────────────────────────────────────────────────────

func TestBridge_NonFatalBusErrorsContinue(t *testing.T) {
	monitor := newMockMonitor(
		errResult(BusErrTimeout),
		errResult(BusErrInternal),
		frameResult(boilerFrame),
	)
	fx := newBridgeFixture(t, monitor, func(o *BridgeOptions) {
		o.Count = 1
	})

	if err := runBridge(t, fx.bridge); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := len(fx.mqtt.GetEvents()); got != 1 {
		t.Errorf("published %d events, want 1", got)
	}
}

func TestBridge_FatalBusErrorStopsRun(t *testing.T) {
	kinds := []BusErrorKind{
		BusErrCommunication,
		BusErrNoConnection,
		BusErrWrongUsage,
		BusErrNoMemory,
		BusErrServerAborted,
	}

	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			fx := newBridgeFixture(t, newMockMonitor(frameResult(boilerFrame), errResult(kind)), nil)

			err := runBridge(t, fx.bridge)
			var busErr *BusError
			if !errors.As(err, &busErr) || busErr.Kind != kind {
				t.Fatalf("Run() error = %v, want %s bus error", err, kind)
			}
			if got := len(fx.mqtt.GetEvents()); got != 1 {
				t.Errorf("published %d events before failure, want 1", got)
			}
		})
	}
}

func TestBridge_RunStopsOnCancel(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- fx.bridge.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestBridge_RunStopsAfterStop(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(frameResult(boilerFrame)), nil)
	fx.bridge.Stop()

	if err := runBridge(t, fx.bridge); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
	if got := len(fx.mqtt.GetEvents()); got != 0 {
		t.Errorf("published %d events after Stop, want 0", got)
	}
}

// ─── Inbound Commands ─────────────────────────────────────────────────────

func TestBridge_CommandWritesGroup(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(), nil)
	if err := fx.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	fx.mqtt.SimulateMessage(
		"iot-2/type/HomeGateway/id/HomePi3/cmd/set/fmt/txt",
		[]byte(`x:"Temperature":"Boiler":"FLOAT":"21.5"`),
	)

	writes := fx.writer.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	if writes[0].Dst != 0x0005 {
		t.Errorf("dst = 0x%04X, want 0x0005", writes[0].Dst)
	}
	want := []byte{0x00, 0x80, 0x41, 0xAC, 0x00, 0x00}
	if !bytes.Equal(writes[0].APDU, want) {
		t.Errorf("apdu = % x, want % x", writes[0].APDU, want)
	}

	opens, closes := fx.writer.Counts()
	if opens != 1 || closes != 1 {
		t.Errorf("writer opens/closes = %d/%d, want 1/1", opens, closes)
	}
	if fx.observer.Command(CommandOK) != 1 {
		t.Error("expected CommandOK")
	}
	if stats := fx.bridge.Stats(); stats.Commands != 1 || stats.BusWrites != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestBridge_CommandShortValue(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(), nil)
	if err := fx.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	fx.mqtt.SimulateMessage("cmd", []byte(`x:"Light":"Kitchen":"BYTE":"1"`))

	writes := fx.writer.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	if writes[0].Dst != 0x0A03 || !bytes.Equal(writes[0].APDU, []byte{0x00, 0x81}) {
		t.Errorf("write = 0x%04X % x, want 0x0A03 00 81", writes[0].Dst, writes[0].APDU)
	}
}

func TestBridge_CommandRejected(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		openErr  error
		writeErr error
		result   string
	}{
		{name: "malformed", payload: `"Light":"Kitchen"`, result: CommandMalformed},
		{name: "unknown device", payload: `x:"Light":"Garage":"BYTE":"1"`, result: CommandUnknownDevice},
		{name: "unknown action", payload: `x:"Light":"Kitchen":"DOUBLE":"1"`, result: CommandUnknownAction},
		{name: "encode failed", payload: `x:"Shutter":"Blind":"INT":"abc"`, result: CommandEncodeFailed},
		{name: "physical address", payload: `x:"System":"Gateway":"BYTE":"1"`, result: CommandBadAddress},
		{name: "open failed", payload: `x:"Light":"Kitchen":"BYTE":"1"`, openErr: errors.New("refused"), result: CommandWriteFailed},
		{name: "write failed", payload: `x:"Light":"Kitchen":"BYTE":"1"`, writeErr: errors.New("broken pipe"), result: CommandWriteFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newBridgeFixture(t, newMockMonitor(), nil)
			fx.writer.openErr = tt.openErr
			fx.writer.writeErr = tt.writeErr
			if err := fx.bridge.Start(context.Background()); err != nil {
				t.Fatalf("Start() error: %v", err)
			}

			fx.mqtt.SimulateMessage("cmd", []byte(tt.payload))

			if got := fx.observer.Command(tt.result); got != 1 {
				t.Errorf("command[%s] = %d, want 1", tt.result, got)
			}
			if len(fx.writer.Writes()) != 0 {
				t.Error("rejected command must not reach the bus")
			}
			if stats := fx.bridge.Stats(); stats.Commands != 1 || stats.BusWrites != 0 {
				t.Errorf("Stats() = %+v", stats)
			}

			opens, closes := fx.writer.Counts()
			if opens != closes {
				t.Errorf("writer opens/closes = %d/%d, sessions leaked", opens, closes)
			}
		})
	}
}

func TestBridge_CommandAfterStopIgnored(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(), nil)
	if err := fx.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	fx.bridge.Stop()

	fx.mqtt.SimulateMessage("cmd", []byte(`x:"Light":"Kitchen":"BYTE":"1"`))

	if len(fx.writer.Writes()) != 0 {
		t.Error("command after Stop must be ignored")
	}
	if stats := fx.bridge.Stats(); stats.Commands != 0 {
		t.Errorf("Commands = %d, want 0", stats.Commands)
	}
}

func TestBridge_StopIdempotent(t *testing.T) {
	fx := newBridgeFixture(t, newMockMonitor(), func(o *BridgeOptions) {
		o.HealthInterval = time.Hour
	})
	if err := fx.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	fx.bridge.Stop()
	fx.bridge.Stop()

	var stopping int
	for _, p := range fx.mqtt.GetPublished() {
		if p.Topic == HealthTopic && bytes.Contains(p.Payload, []byte(`"status":"stopping"`)) {
			stopping++
		}
	}
	if stopping != 1 {
		t.Errorf("stopping messages = %d, want 1", stopping)
	}
}
