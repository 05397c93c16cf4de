package knx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/bluehome-bridge/internal/device"
)

// Bridge operation constants.
const (
	// commandTimeout bounds one inbound bus write, session setup included.
	commandTimeout = 5 * time.Second

	// commandQoS is the QoS of the command subscription.
	commandQoS byte = 1
)

// Bridge orchestrates translation between the KNX bus and MQTT.
// It handles:
//   - Polling the bus monitor, decoding frames and publishing device values
//   - Receiving commands via MQTT and writing them to the bus
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use. Run is called once.
type Bridge struct {
	monitor   MonitorFeed
	openWrite WriterOpener
	mqtt      MQTTClient
	publisher *Publisher
	devices   DeviceLookup
	recorder  FrameSink
	sinks     []TelemetrySink
	observer  Observer
	health    *HealthReporter
	now       func() time.Time

	count int

	stats bridgeCounters

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopMu    sync.RWMutex
	stopping  bool
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// bridgeCounters backs BridgeStatistics.
type bridgeCounters struct {
	framesReceived   atomic.Uint64
	framesDropped    atomic.Uint64
	published        atomic.Uint64
	deliveryFailures atomic.Uint64
	commands         atomic.Uint64
	busWrites        atomic.Uint64
}

// MonitorFeed yields raw bus frames. It is satisfied by *MonitorSession.
type MonitorFeed interface {
	// MonitorNext blocks for the next frame. Errors are *BusError.
	MonitorNext(ctx context.Context) ([]byte, error)

	// IsConnected reports whether the session is still open.
	IsConnected() bool
}

// GroupWriter is a short-lived bus session used for one group write.
// It is satisfied by *WriterSession.
type GroupWriter interface {
	WriteGroup(ctx context.Context, dst uint16, apdu []byte) error
	Close() error
}

// WriterOpener opens a fresh GroupWriter for each inbound command.
type WriterOpener func(ctx context.Context) (GroupWriter, error)

// DeviceLookup resolves device records in both directions.
// It is satisfied by *device.Registry.
type DeviceLookup interface {
	FindByGroupAddress(addr string) (device.Record, error)
	FindByName(name string) (device.Record, error)
	Len() int
}

// FrameSink records decoded frames. It is satisfied by *FrameRecorder.
type FrameSink interface {
	Record(f Frame)
}

// Telemetry is one outbound device value, mirrored to secondary sinks.
type Telemetry struct {
	Device  device.Record
	Topic   string
	Payload []byte
	Value   string
	At      time.Time
}

// TelemetrySink mirrors published values to a secondary store.
// Mirror failures are logged and never affect the MQTT path.
type TelemetrySink interface {
	Name() string
	Mirror(ctx context.Context, t Telemetry) error
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Monitor is the long-lived bus monitoring session.
	Monitor MonitorFeed

	// OpenWriter opens a short-lived session for inbound writes.
	OpenWriter WriterOpener

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Devices is the device registry.
	Devices DeviceLookup

	// Recorder is an optional frame recorder for passive discovery.
	Recorder FrameSink

	// Sinks are optional telemetry mirrors.
	Sinks []TelemetrySink

	// Observer receives counters. Optional.
	Observer Observer

	// Logger is optional structured logger.
	Logger Logger

	// QoS for event messages.
	QoS byte

	// Count stops Run after this many received frames. Zero runs until
	// cancelled.
	Count int

	// RetryBackoff is the pause before a publish retry. Default: 1 second.
	RetryBackoff time.Duration

	// HealthInterval enables periodic health messages when positive.
	HealthInterval time.Duration

	// ClientID identifies the bridge in health messages.
	ClientID string

	// Version is the bridge software version.
	Version string

	// Clock returns the observation time of a frame. Default: time.Now.
	Clock func() time.Time
}

// NewBridge creates a new bridge instance.
// Call Start, then Run.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Monitor == nil {
		return nil, fmt.Errorf("monitor session is required")
	}
	if opts.OpenWriter == nil {
		return nil, fmt.Errorf("writer opener is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("device registry is required")
	}

	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	// Bridge-level context for inbound commands
	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		monitor:   opts.Monitor,
		openWrite: opts.OpenWriter,
		mqtt:      opts.MQTTClient,
		devices:   opts.Devices,
		recorder:  opts.Recorder, // May be nil (optional)
		sinks:     opts.Sinks,
		observer:  observer,
		now:       clock,
		count:     opts.Count,
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.publisher = NewPublisher(PublisherConfig{
		Client:      opts.MQTTClient,
		QoS:         opts.QoS,
		Backoff:     opts.RetryBackoff,
		Resubscribe: b.subscribe,
		Observer:    observer,
	})

	if opts.HealthInterval > 0 {
		b.health = NewHealthReporter(HealthReporterConfig{
			BridgeID:     opts.ClientID,
			Version:      opts.Version,
			Interval:     opts.HealthInterval,
			Publisher:    b.publisher,
			Stats:        b.Stats,
			BusConnected: opts.Monitor.IsConnected,
			DeviceCount:  opts.Devices.Len(),
		})
	}

	if opts.Logger != nil {
		b.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to the command topic and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if b.health != nil {
		if err := b.health.PublishStarting(); err != nil {
			b.logError("failed to publish starting status", err)
		}
	}

	if err := b.subscribe(); err != nil {
		return err
	}

	if b.health != nil {
		b.health.Start(ctx)
	}

	b.logInfo("bridge started", "devices", b.devices.Len())
	return nil
}

// subscribe registers the command handler. Also used to restore the
// subscription after a reconnect.
func (b *Bridge) subscribe() error {
	if err := b.mqtt.Subscribe(CommandSubscribeTopic, commandQoS, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", CommandSubscribeTopic)
	return nil
}

// Run polls the bus monitor until ctx is cancelled, Count frames have been
// received, or the session fails fatally.
//
// Decode errors, unknown devices and delivery failures drop the frame and the
// loop continues. Timeouts and other non-fatal bus errors return to polling.
//
// Returns:
//   - error: nil on cancellation or when Count is reached, otherwise the fatal *BusError
func (b *Bridge) Run(ctx context.Context) error {
	width := SequenceWidth(b.count)
	seq := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		default:
		}

		raw, err := b.monitor.MonitorNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var busErr *BusError
			if errors.As(err, &busErr) && !busErr.Kind.Fatal() {
				if busErr.Kind != BusErrTimeout {
					b.logWarn("bus monitor error", "kind", busErr.Kind.String(), "error", err)
				}
				continue
			}
			return err
		}

		seq++
		b.handleFrame(ctx, raw, seq, width)

		if b.count > 0 && seq >= b.count {
			b.logInfo("frame count reached", "count", b.count)
			return nil
		}
	}
}

// handleFrame decodes, traces, records and publishes one monitor buffer.
func (b *Bridge) handleFrame(ctx context.Context, raw []byte, seq, width int) {
	at := b.now()
	b.stats.framesReceived.Add(1)

	f, err := DecodeFrame(raw)
	if err != nil {
		b.observer.FrameReceived("")
		b.drop(DropTruncated, "frame dropped", "error", err)
		return
	}
	b.observer.FrameReceived(f.CodeLabel())

	var cands Candidates
	var decodeErr error
	if f.CarriesValue() {
		cands, decodeErr = Decode(f.Length, f.ValueBytes())
	}
	b.logInfo("EIB", "trace", FormatTrace(seq, width, at, f, cands, decodeErr))

	if b.recorder != nil {
		b.recorder.Record(f)
	}

	if !f.CarriesValue() {
		b.drop(DropRead, "group read not published", "destination", f.DestinationAddress())
		return
	}
	if decodeErr != nil {
		b.drop(DropDecode, "frame dropped", "destination", f.DestinationAddress(), "error", decodeErr)
		return
	}

	rec, err := b.devices.FindByGroupAddress(f.GroupKey())
	if err != nil {
		b.drop(DropUnknownDevice, "no device for group address", "group_address", f.GroupKey())
		return
	}

	value, ok := PublishedValue(cands)
	if !ok {
		b.drop(DropPayload, "no publishable value", "device", rec.Name, "length", f.Length)
		return
	}

	payload, err := BuildEventPayload(value, at)
	if err != nil {
		b.drop(DropPayload, "building payload failed", "device", rec.Name, "error", err)
		return
	}
	topic := EventTopic(rec.Category, rec.Name, rec.Measurement)

	if err := b.publisher.Publish(ctx, topic, payload); err != nil {
		b.stats.deliveryFailures.Add(1)
		b.logError("delivery failed", err)
	} else {
		b.stats.published.Add(1)
	}

	b.mirror(ctx, Telemetry{Device: rec, Topic: topic, Payload: payload, Value: value, At: at})
}

// mirror forwards a value to every telemetry sink.
func (b *Bridge) mirror(ctx context.Context, t Telemetry) {
	for _, sink := range b.sinks {
		if err := sink.Mirror(ctx, t); err != nil {
			b.logWarn("telemetry mirror failed", "sink", sink.Name(), "device", t.Device.Name, "error", err)
		}
	}
}

// drop counts and logs a dropped frame.
func (b *Bridge) drop(reason, msg string, keysAndValues ...any) {
	b.stats.framesDropped.Add(1)
	b.observer.FrameDropped(reason)
	if reason == DropRead {
		b.logDebug(msg, keysAndValues...)
		return
	}
	b.logWarn(msg, append([]any{"reason", reason}, keysAndValues...)...)
}

// Stop gracefully shuts down the bridge.
// In-flight commands complete before the bridge context is cancelled.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)

		b.stopMu.Lock()
		b.stopping = true
		b.stopMu.Unlock()

		// Wait for in-flight commands
		b.wg.Wait()
		b.ctxCancel()

		// Stop health reporting (publishes "stopping" status)
		if b.health != nil {
			b.health.Stop()
		}

		b.logInfo("bridge stopped")
	})
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() BridgeStatistics {
	return BridgeStatistics{
		FramesReceived:   b.stats.framesReceived.Load(),
		FramesDropped:    b.stats.framesDropped.Load(),
		Published:        b.stats.published.Load(),
		DeliveryFailures: b.stats.deliveryFailures.Load(),
		Commands:         b.stats.commands.Load(),
		BusWrites:        b.stats.busWrites.Load(),
	}
}

// SetLogger sets the logger for the bridge and its publisher.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.publisher.SetLogger(logger)
	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	if l := b.getLogger(); l != nil {
		l.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}
