// Package mqtt provides MQTT client connectivity for the BlueHome bridge.
//
// This package manages:
//   - Connection to the broker named by ADDRESS, with optional credentials
//   - Publishing with a per-operation timeout and delivery confirmation
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) on the bridge health topic
//   - Explicit reconnection driven by the caller's retry policy
//
// # Reconnection
//
// paho's auto-reconnect is disabled. The bridge's publisher retries a failed
// publish once; before retrying it calls Reconnect if the session is down and
// then renews its command subscription. Sessions are clean, so nothing is
// restored implicitly.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Will{Topic: knx.HealthTopic, Payload: offline})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(knx.CommandSubscribeTopic, 1, func(topic string, payload []byte) {
//	    log.Printf("command: %s = %s", topic, payload)
//	})
package mqtt
