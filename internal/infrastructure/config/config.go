package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nerrad567/bluehome-bridge/internal/device"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when -f is not given.
const DefaultPath = "bluehome.conf"

// ErrInvalidConfig is wrapped by every load and validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the root configuration structure for the BlueHome bridge.
// It is loaded from a flat KEY=value file or YAML and can be overridden by
// environment variables.
type Config struct {
	MQTT     MQTTConfig      `yaml:"mqtt"`
	Bus      BusConfig       `yaml:"bus"`
	Logging  LoggingConfig   `yaml:"logging"`
	Recorder RecorderConfig  `yaml:"recorder"`
	InfluxDB InfluxDBConfig  `yaml:"influxdb"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Health   HealthConfig    `yaml:"health"`
	SolarIP  string          `yaml:"solar_ip"`
	Devices  []device.Record `yaml:"devices"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	// Address is the broker URL, e.g. "tcp://localhost:1883".
	Address  string `yaml:"address"`
	ClientID string `yaml:"client_id"`
	QoS      int    `yaml:"qos"`

	// TimeoutMS bounds connect and each publish, in milliseconds.
	TimeoutMS int `yaml:"timeout_ms"`

	// KeepAlive is the MQTT keep-alive interval in seconds.
	KeepAlive int `yaml:"keepalive"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// redactedMQTT mirrors MQTTConfig with the password masked.
type redactedMQTT struct {
	Address   string `json:"address"`
	ClientID  string `json:"client_id"`
	QoS       int    `json:"qos"`
	TimeoutMS int    `json:"timeout_ms"`
	KeepAlive int    `json:"keepalive"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

func (m MQTTConfig) redacted() redactedMQTT {
	r := redactedMQTT{
		Address:   m.Address,
		ClientID:  m.ClientID,
		QoS:       m.QoS,
		TimeoutMS: m.TimeoutMS,
		KeepAlive: m.KeepAlive,
		Username:  m.Username,
	}
	if m.Password != "" {
		r.Password = "***"
	}
	return r
}

// String renders the settings for logging with the password masked.
func (m MQTTConfig) String() string {
	r := m.redacted()
	return fmt.Sprintf("address=%s clientid=%s qos=%d timeout=%dms keepalive=%ds username=%s password=%s",
		r.Address, r.ClientID, r.QoS, r.TimeoutMS, r.KeepAlive, r.Username, r.Password)
}

// MarshalJSON encodes the settings with the password masked.
func (m MQTTConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.redacted())
}

// Timeout returns TimeoutMS as a Duration.
func (m MQTTConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

// KeepAliveDuration returns KeepAlive as a Duration.
func (m MQTTConfig) KeepAliveDuration() time.Duration {
	return time.Duration(m.KeepAlive) * time.Second
}

// BusConfig contains knxd connection settings.
type BusConfig struct {
	// URL is the knxd endpoint: "tcp://host:port" or "unix:///path".
	URL string `yaml:"url"`

	// ConnectTimeoutMS bounds the dial and the open handshake.
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`

	// MonitorTimeoutMS is the read deadline of one monitor poll.
	MonitorTimeoutMS int `yaml:"monitor_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RecorderConfig contains the bus recorder SQLite settings.
// The recorder is disabled when Path is empty.
type RecorderConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// KafkaConfig contains the Kafka telemetry mirror settings.
// The mirror is disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether the Kafka mirror is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// MetricsConfig contains the metrics HTTP server settings.
// The server is disabled when Addr is empty.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// HealthConfig contains health reporting settings.
type HealthConfig struct {
	// Interval in seconds. Zero disables periodic health messages.
	Interval int `yaml:"interval"`
}

// IntervalDuration returns Interval as a Duration.
func (h HealthConfig) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Second
}

// Load reads configuration from a file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. File values (override defaults)
//  3. Environment variables (override file values)
//
// Files ending in .yaml or .yml are parsed as YAML; anything else is the flat
// KEY=value format:
//
//	ADDRESS=tcp://localhost:1883
//	CLIENTID=bluehome
//	DEVICE=0/0/5 Boiler Temperature Measurement
//
// Environment variables follow the pattern: BLUEHOME_SECTION_KEY
// For example: BLUEHOME_MQTT_ADDRESS, BLUEHOME_BUS
//
// Parameters:
//   - path: Path to the configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing config file: %w", ErrInvalidConfig, err)
		}
	default:
		if err := parseFlat(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Address:   "tcp://localhost:1883",
			ClientID:  "bluehome",
			QoS:       1,
			TimeoutMS: 10000,
			KeepAlive: 3000,
		},
		Bus: BusConfig{
			URL:              "tcp://localhost:6720",
			ConnectTimeoutMS: 5000,
			MonitorTimeoutMS: 2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Recorder: RecorderConfig{
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Kafka: KafkaConfig{
			Topic: "bluehome-telemetry",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BLUEHOME_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("BLUEHOME_MQTT_ADDRESS"); v != "" {
		cfg.MQTT.Address = v
	}
	if v := os.Getenv("BLUEHOME_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BLUEHOME_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	// Bus
	if v := os.Getenv("BLUEHOME_BUS"); v != "" {
		cfg.Bus.URL = v
	}

	// InfluxDB
	if v := os.Getenv("BLUEHOME_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("BLUEHOME_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// MQTT validation
	if c.MQTT.Address == "" {
		errs = append(errs, "mqtt.address is required")
	} else if u, err := url.Parse(c.MQTT.Address); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "mqtt.address must be a URL such as tcp://host:1883")
	}
	if c.MQTT.ClientID == "" {
		errs = append(errs, "mqtt.client_id is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.TimeoutMS <= 0 {
		errs = append(errs, "mqtt.timeout_ms must be positive")
	}
	if c.MQTT.KeepAlive < 0 {
		errs = append(errs, "mqtt.keepalive must not be negative")
	}

	// Bus validation
	if c.Bus.URL == "" {
		errs = append(errs, "bus.url is required")
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be debug, info, warn, or error")
	}

	// Optional sinks
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		errs = append(errs, "kafka.topic is required when kafka.brokers is set")
	}
	if c.Health.Interval < 0 {
		errs = append(errs, "health.interval must not be negative")
	}

	// Devices
	if len(c.Devices) == 0 {
		errs = append(errs, "at least one device is required")
	}
	for i, rec := range c.Devices {
		if err := rec.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d]: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}
