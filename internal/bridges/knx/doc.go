// Package knx implements the KNX bus-monitor bridge for BlueHome.
//
// This package watches a KNX bus through the knxd daemon, decodes every frame
// seen by the bus monitor and publishes values of registered devices to an
// MQTT based IoT platform. Commands received from the platform are encoded
// and written back to the bus.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐
//	│  IoT platform   │   MQTT   │   KNX Bridge    │   knxd
//	│    (broker)     │◄────────►│   (this pkg)    │◄────────► KNX Bus
//	└─────────────────┘          └─────────────────┘
//
// # Key Responsibilities
//
//   - Open a knxd bus monitor and re-frame its packets into the cEMI layout
//   - Decode frames (DecodeFrame) and their values (Decode) by length class
//   - Look up the device for the destination group address
//   - Publish {"d":{"value","date","time"}} with one reconnecting retry
//   - Parse inbound commands and write them through a short-lived session
//   - Record seen addresses and publish health status
//
// # Addresses
//
// Physical addresses print as area.line.device ("1.1.1"), group addresses
// as top/sub/group ("0/0/5"):
//
//	knx.FormatGroup(0x0005)   // "0/0/5"
//	knx.FormatPhysical(0x1101) // "1.1.1"
//
// # EIS Types
//
// The frame length byte selects the candidate EIS types:
//
//   - 1: EIS1, EIS2, EIS7, EIS8 (published as EIS1)
//   - 2: EIS6, EIS14, EIS13 (published as EIS6 percent)
//   - 3: EIS5, EIS10 (published as EIS5)
//   - 4: EIS3, EIS4 (published as EIS3 time of day)
//   - 5: EIS11, EIS9, EIS12 (published as EIS11)
//   - 6-17: EIS15 (published as text)
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
//
// # References
//
//   - KNX Specification: https://www.knx.org
//   - knxd daemon: https://github.com/knxd/knxd
package knx
