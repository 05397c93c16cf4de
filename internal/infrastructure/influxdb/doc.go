// Package influxdb mirrors published bridge values into InfluxDB v2.
//
// Every value the bridge publishes to MQTT can also be written as a point:
//
//	bluehome_telemetry,device=Boiler,category=Temperature,measurement=Water raw="42.00",value=42
//
// The value field is present only when the published string is numeric.
// Writes are batched and non-blocking; failures never affect MQTT delivery.
//
// Usage:
//
//	sink, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer sink.Close()
//	sink.SetOnError(func(err error) { logger.Warn("influxdb write failed", "error", err) })
//
//	opts.Sinks = append(opts.Sinks, sink)
package influxdb
