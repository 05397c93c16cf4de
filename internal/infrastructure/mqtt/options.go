package mqtt

import (
	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/bluehome-bridge/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2
)

// buildClientOptions creates paho MQTT options from the bridge config.
//
// This configures:
//   - Broker address (tcp://, ssl:// or ws:// URL taken as-is)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Clean session mode, no auto-reconnect
//   - Keepalive and connect timeout
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(cfg.Address)
	opts.SetClientID(cfg.ClientID)

	// Authentication (if credentials provided)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)

	// Reconnection is driven by the bridge's retry policy.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	opts.SetConnectTimeout(cfg.Timeout())
	opts.SetKeepAlive(cfg.KeepAliveDuration())
	opts.SetWriteTimeout(cfg.Timeout())

	return opts
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The broker publishes the will, retained, if the client disconnects
// without a DISCONNECT packet (crash, network failure, etc.).
func configureLWT(opts *pahomqtt.ClientOptions, will Will, qos byte) {
	if will.Topic == "" {
		return
	}
	opts.SetBinaryWill(will.Topic, will.Payload, qos, true)
}
