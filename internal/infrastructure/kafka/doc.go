// Package kafka mirrors published bridge values onto a Kafka topic.
//
// Each value becomes one message keyed by device name, so a device's history
// stays on one partition. The message value wraps the MQTT delivery:
//
//	{"topic":"iot-2/type/HomeGateway/id/HomePi3/evt/Boiler/fmt/json","payload":{...}}
//
// The writer is asynchronous; delivery errors arrive through SetOnError and
// never affect MQTT publishing.
package kafka
