// Package device provides the Device Registry of the bus bridge.
//
// The registry is the catalogue of configured devices. Each Record maps a
// bus group address to the messaging identity of a device: event category,
// device name and measurement type. Records are loaded once from
// configuration and never change afterwards.
//
// # Lookups
//
//	bus → MQTT:  FindByGroupAddress("0/0/5")  (outbound publish)
//	MQTT → bus:  FindByName("Boiler")         (inbound command)
//
// # Duplicate Keys
//
// When two records share a group address or a name, the record that appears
// later in the configuration wins. The policy is applied once while the
// indexes are built, not by scan order.
//
// # Thread Safety
//
// A Registry is immutable after NewRegistry returns and is safe for
// concurrent reads without synchronisation.
//
// # Usage
//
//	reg := device.NewRegistry(cfg.Devices,
//	    device.WithAddressNormalizer(knx.CanonicalGroupAddress))
//
//	rec, err := reg.FindByGroupAddress("0/0/5")
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // unregistered bus traffic
//	}
package device
