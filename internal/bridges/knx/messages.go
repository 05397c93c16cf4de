package knx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MQTT topics for communication between the bus and the IoT platform.
const (
	// CommandSubscribeTopic is the command filter the bridge subscribes to.
	CommandSubscribeTopic = "iot-2/type/HomeGateway/id/HomePi3/cmd/+/fmt/+"

	// HealthTopic carries the periodic bridge health message.
	HealthTopic = "iot-2/type/HomeGateway/id/HomePi3/evt/health/fmt/json"

	// inboundFieldCount is category, device name, action keyword and value.
	inboundFieldCount = 4
)

// Date and time layouts of the outbound payload.
const (
	PayloadDateLayout = "2006/01/02"
	PayloadTimeLayout = "15:04:05"
)

// EventTopic returns the outbound topic for a device.
//
// Example: EventTopic("Temperature", "Boiler", "Measurement") →
// "iot-2/type/Temperature/id/Boiler/evt/Measurement/fmt/json"
func EventTopic(category, name, measurement string) string {
	return "iot-2/type/" + category + "/id/" + name + "/evt/" + measurement + "/fmt/json"
}

// EventMessage is the outbound payload: {"d":{"value":..,"date":..,"time":..}}.
type EventMessage struct {
	D EventData `json:"d"`
}

// EventData holds the formatted value and the local observation date and time.
type EventData struct {
	Value string `json:"value"`
	Date  string `json:"date"`
	Time  string `json:"time"`
}

// NewEventMessage builds the outbound message for value observed at t.
func NewEventMessage(value string, t time.Time) EventMessage {
	return EventMessage{D: EventData{
		Value: value,
		Date:  t.Format(PayloadDateLayout),
		Time:  t.Format(PayloadTimeLayout),
	}}
}

// BuildEventPayload returns the exact wire bytes of the outbound message.
// HTML characters are not escaped so text values pass through unchanged.
func BuildEventPayload(value string, t time.Time) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(NewEventMessage(value, t)); err != nil {
		return nil, fmt.Errorf("encoding event payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// PublishedValue selects the authoritative candidate of a length class and
// renders it for the outbound message.
//
//	length 1:    EIS1 as "0" or "1"
//	length 2:    EIS6 as "<percent>%"
//	length 3:    EIS5 as "%.2f"
//	length 4:    EIS3 as "HH:MM:SS"
//	length 5:    EIS11 as a decimal integer
//	length 6-17: EIS15 text
//
// Returns false when the authoritative candidate failed to decode.
func PublishedValue(c Candidates) (string, bool) {
	var want PointType
	switch c.Length {
	case 1:
		want = EIS1
	case 2:
		want = EIS6
	case 3:
		want = EIS5
	case 4:
		want = EIS3
	case 5:
		want = EIS11
	default:
		want = EIS15
	}

	item, ok := c.Find(want)
	if !ok || item.Err != nil {
		return "", false
	}

	switch v := item.Value.(type) {
	case bool:
		if v {
			return "1", true
		}
		return "0", true
	case uint8:
		return fmt.Sprintf("%d%%", Percent(v)), true
	case float64:
		return fmt.Sprintf("%.2f", v), true
	case time.Duration:
		return FormatTimeOfDay(v), true
	case int32:
		return fmt.Sprintf("%d", v), true
	case string:
		return v, true
	default:
		return "", false
	}
}

// CommandMessage is an inbound command delivered on CommandSubscribeTopic.
type CommandMessage struct {
	// ID correlates log lines of one command.
	ID string `json:"id"`

	// Category is the event category named by the sender (informational).
	Category string `json:"category"`

	// Device is the logical device name used for the registry lookup.
	Device string `json:"device"`

	// Action is the keyword naming the EIS type (BYTE, INT, INT32, FLOAT, CHAR, STRING).
	Action string `json:"action"`

	// Value is the command value as text.
	Value string `json:"value"`
}

// ParseCommand parses an inbound command payload.
//
// Everything up to the first ':' is ignored; the remainder must contain four
// double-quoted fields in order: category, device name, action keyword and
// value.
//
// Example: x:"Temperature":"Boiler":"FLOAT":"21.5"
//
// Returns:
//   - CommandMessage: parsed fields (ID left empty)
//   - error: ErrMalformedCommand if a delimiter is missing
func ParseCommand(payload []byte) (CommandMessage, error) {
	s := string(payload)

	i := strings.IndexByte(s, ':')
	if i < 0 {
		return CommandMessage{}, fmt.Errorf("%w: missing ':' prefix delimiter", ErrMalformedCommand)
	}
	s = s[i+1:]

	var fields [inboundFieldCount]string
	for n := range fields {
		open := strings.IndexByte(s, '"')
		if open < 0 {
			return CommandMessage{}, fmt.Errorf("%w: field %d: missing opening quote", ErrMalformedCommand, n+1)
		}
		s = s[open+1:]

		end := strings.IndexByte(s, '"')
		if end < 0 {
			return CommandMessage{}, fmt.Errorf("%w: field %d: missing closing quote", ErrMalformedCommand, n+1)
		}
		fields[n] = s[:end]
		s = s[end+1:]
	}

	return CommandMessage{
		Category: fields[0],
		Device:   fields[1],
		Action:   fields[2],
		Value:    fields[3],
	}, nil
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"

	// HealthOffline is published by the broker as the bridge's last will.
	HealthOffline HealthStatus = "offline"
)

// HealthMessage reports operational status on HealthTopic.
type HealthMessage struct {
	// Bridge is the MQTT client id of the bridge.
	Bridge string `json:"bridge"`

	// Timestamp is when the health status was generated (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Status indicates the current operational status.
	Status HealthStatus `json:"status"`

	// Version is the bridge software version.
	Version string `json:"version"`

	// UptimeSeconds is how long the bridge has been running.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Statistics contains operational counters.
	Statistics BridgeStatistics `json:"statistics"`

	// DevicesManaged is the number of configured devices.
	DevicesManaged int `json:"devices_managed"`

	// Reason explains the status (especially for degraded).
	Reason string `json:"reason,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	FramesReceived   uint64 `json:"frames_received"`
	FramesDropped    uint64 `json:"frames_dropped"`
	Published        uint64 `json:"published"`
	DeliveryFailures uint64 `json:"delivery_failures"`
	Commands         uint64 `json:"commands"`
	BusWrites        uint64 `json:"bus_writes"`
}

// BuildWillPayload encodes the offline message the broker publishes on
// HealthTopic if the bridge disconnects without a clean shutdown.
func BuildWillPayload(bridgeID, version string) ([]byte, error) {
	return json.Marshal(HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Version:   version,
		Reason:    "unexpected_disconnect",
	})
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats BridgeStatistics, deviceCount int, startTime time.Time) HealthMessage {
	return HealthMessage{
		Bridge:         bridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		Statistics:     stats,
		DevicesManaged: deviceCount,
	}
}
