package influxdb

import (
	"context"
	"strconv"
	"strings"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/bluehome-bridge/internal/bridges/knx"
)

// TelemetryMeasurement is the measurement every mirrored value is written to.
const TelemetryMeasurement = "bluehome_telemetry"

// Name identifies the sink in logs.
func (c *Client) Name() string {
	return "influxdb"
}

// Mirror queues one published value as a bluehome_telemetry point.
//
// The write is non-blocking; delivery errors arrive through SetOnError.
//
// Returns:
//   - error: ErrNotConnected after Close
func (c *Client) Mirror(_ context.Context, t knx.Telemetry) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.writeAPI.WritePoint(telemetryPoint(t))
	return nil
}

// telemetryPoint builds the point for t.
//
// Tags: device, category, measurement. Fields: raw (the published string)
// and value when the string reads as a number ("42.00", "75%", "-3").
func telemetryPoint(t knx.Telemetry) *write.Point {
	fields := map[string]interface{}{
		"raw": t.Value,
	}
	if v, ok := numericValue(t.Value); ok {
		fields["value"] = v
	}

	return write.NewPoint(
		TelemetryMeasurement,
		map[string]string{
			"device":      t.Device.Name,
			"category":    t.Device.Category,
			"measurement": t.Device.Measurement,
		},
		fields,
		t.At,
	)
}

// numericValue parses a published value, accepting a trailing percent sign.
func numericValue(s string) (float64, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
