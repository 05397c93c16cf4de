package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// invalidCode labels frames too short to carry a message code.
const invalidCode = "invalid"

// Collector counts bridge activity.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Collector struct {
	registry *prometheus.Registry

	frames           *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	published        prometheus.Counter
	publishRetries   prometheus.Counter
	deliveryFailures prometheus.Counter
	commands         *prometheus.CounterVec
	buildInfo        *prometheus.GaugeVec
}

// NewCollector creates the bridge counters on a fresh registry, together
// with the Go runtime and process collectors.
func NewCollector(version string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bluehome_frames_total",
				Help: "Bus monitor frames received, by message code",
			},
			[]string{"code"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bluehome_frames_dropped_total",
				Help: "Frames not published, by reason",
			},
			[]string{"reason"},
		),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bluehome_published_total",
			Help: "Device values delivered to the MQTT broker",
		}),
		publishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bluehome_publish_retries_total",
			Help: "Publishes retried after a failed attempt",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bluehome_delivery_failures_total",
			Help: "Publishes abandoned after the retry failed",
		}),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bluehome_commands_total",
				Help: "Inbound MQTT commands, by result",
			},
			[]string{"result"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bluehome_build_info",
				Help: "Build information for the bridge",
			},
			[]string{"version"},
		),
	}

	c.registry.MustRegister(
		c.frames,
		c.framesDropped,
		c.published,
		c.publishRetries,
		c.deliveryFailures,
		c.commands,
		c.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.buildInfo.WithLabelValues(version).Set(1)

	return c
}

// Registry returns the registry the counters live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// FrameReceived counts a monitor frame; an empty code means it was too short
// to decode.
func (c *Collector) FrameReceived(code string) {
	if code == "" {
		code = invalidCode
	}
	c.frames.WithLabelValues(code).Inc()
}

// FrameDropped counts a frame that was not published.
func (c *Collector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

// Published counts a delivered device value.
func (c *Collector) Published() { c.published.Inc() }

// PublishRetried counts a retry after a failed publish.
func (c *Collector) PublishRetried() { c.publishRetries.Inc() }

// DeliveryFailed counts a publish abandoned after its retry.
func (c *Collector) DeliveryFailed() { c.deliveryFailures.Inc() }

// CommandHandled counts an inbound command by result.
func (c *Collector) CommandHandled(result string) {
	c.commands.WithLabelValues(result).Inc()
}
