package config

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/bluehome-bridge/internal/device"
)

// deviceFieldCount is group address, name, category and measurement.
const deviceFieldCount = 4

// parseFlat reads the line-oriented KEY=value format into cfg.
//
// Keys are case-sensitive. Lines starting with '#' and blank lines are
// skipped, unknown keys are ignored. DEVICE may repeat; records keep file
// order.
func parseFlat(data []byte, cfg *Config) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		if err := applyFlatKey(cfg, key, value); err != nil {
			return fmt.Errorf("%w: line %d: %s: %w", ErrInvalidConfig, lineNo, key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	return nil
}

// applyFlatKey sets one KEY=value pair.
func applyFlatKey(cfg *Config, key, value string) error {
	var err error

	switch key {
	case "ADDRESS":
		cfg.MQTT.Address = value
	case "CLIENTID":
		cfg.MQTT.ClientID = value
	case "QOS":
		cfg.MQTT.QoS, err = strconv.Atoi(value)
	case "TIMEOUT":
		cfg.MQTT.TimeoutMS, err = parseInt(value)
	case "KEEPALIVE":
		cfg.MQTT.KeepAlive, err = strconv.Atoi(value)
	case "USERNAME":
		cfg.MQTT.Username = value
	case "PASSWORD":
		cfg.MQTT.Password = value
	case "SOLAR_IP":
		cfg.SolarIP = value
	case "BUS":
		cfg.Bus.URL = value
	case "LOG_LEVEL":
		cfg.Logging.Level = strings.ToLower(value)
	case "LOG_FORMAT":
		cfg.Logging.Format = strings.ToLower(value)
	case "RECORDER_PATH":
		cfg.Recorder.Path = value
	case "INFLUXDB_URL":
		cfg.InfluxDB.URL = value
		cfg.InfluxDB.Enabled = value != ""
	case "INFLUXDB_TOKEN":
		cfg.InfluxDB.Token = value
	case "INFLUXDB_ORG":
		cfg.InfluxDB.Org = value
	case "INFLUXDB_BUCKET":
		cfg.InfluxDB.Bucket = value
	case "KAFKA_BROKERS":
		cfg.Kafka.Brokers = splitList(value)
	case "KAFKA_TOPIC":
		cfg.Kafka.Topic = value
	case "METRICS_ADDR":
		cfg.Metrics.Addr = value
	case "HEALTH_INTERVAL":
		cfg.Health.Interval, err = strconv.Atoi(value)
	case "DEVICE":
		var rec device.Record
		rec, err = parseDeviceLine(value)
		if err == nil {
			cfg.Devices = append(cfg.Devices, rec)
		}
	}

	return err
}

// parseDeviceLine parses "<group-address> <name> <category> <measurement>".
// The measurement is the remainder of the line.
func parseDeviceLine(value string) (device.Record, error) {
	fields := strings.Fields(value)
	if len(fields) < deviceFieldCount {
		return device.Record{}, fmt.Errorf("want %d fields, got %d", deviceFieldCount, len(fields))
	}

	return device.Record{
		GroupAddress: fields[0],
		Name:         fields[1],
		Category:     fields[2],
		Measurement:  strings.Join(fields[3:], " "),
	}, nil
}

// parseInt accepts decimal, 0x hex and 0 octal forms.
func parseInt(value string) (int, error) {
	n, err := strconv.ParseInt(value, 0, 32)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
