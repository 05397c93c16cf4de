package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // drop the frame or command
//	}
var (
	// ErrDeviceNotFound is returned when no record matches the lookup key.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when a record fails validation.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidName is returned when a device name is empty or contains a topic separator.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidAddress is returned when the group address is empty.
	ErrInvalidAddress = errors.New("device: invalid address")
)
