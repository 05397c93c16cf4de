package knx

import (
	"errors"
	"fmt"
)

// Domain-specific errors for KNX operations.
var (
	// ErrNotConnected indicates the bus session is not open.
	ErrNotConnected = errors.New("knx: not connected")

	// ErrConnectionFailed indicates the bus session could not be established.
	ErrConnectionFailed = errors.New("knx: connection failed")

	// ErrAuthUnsupported indicates the bus backend has no authentication layer.
	ErrAuthUnsupported = errors.New("knx: authentication not supported by bus backend")

	// ErrInvalidGroupAddress indicates a malformed group address string.
	ErrInvalidGroupAddress = errors.New("knx: invalid group address")

	// ErrInvalidAddress indicates a string that is neither a group nor a physical address.
	ErrInvalidAddress = errors.New("knx: invalid address")

	// ErrFrameTruncated indicates a raw frame shorter than the fixed cEMI header.
	ErrFrameTruncated = errors.New("knx: frame truncated")

	// ErrUnknownLength indicates a payload length outside every decode class.
	ErrUnknownLength = errors.New("knx: unknown payload length")

	// ErrInvalidDate indicates date bytes that do not form a calendar date.
	ErrInvalidDate = errors.New("knx: invalid date")

	// ErrUnsupportedType indicates an EIS type that cannot be encoded.
	ErrUnsupportedType = errors.New("knx: unsupported EIS type")

	// ErrMalformedValue indicates command text that cannot be converted to the EIS type.
	ErrMalformedValue = errors.New("knx: malformed value")

	// ErrShortPayload indicates fewer data bytes than the EIS type requires.
	ErrShortPayload = errors.New("knx: payload too short")

	// ErrMalformedCommand indicates an inbound message missing a delimiter.
	ErrMalformedCommand = errors.New("knx: malformed command")

	// ErrUnknownAction indicates an inbound action keyword outside the keyword table.
	ErrUnknownAction = errors.New("knx: unknown action keyword")

	// ErrInvalidMessage indicates a knxd protocol message that cannot be parsed.
	ErrInvalidMessage = errors.New("knx: invalid knxd message")

	// ErrDeliveryFailed indicates a publish that failed after the single retry.
	ErrDeliveryFailed = errors.New("knx: delivery failed")

	// ErrProtocolDesync indicates an oversized knxd message; the stream cannot be resynchronised.
	ErrProtocolDesync = errors.New("knx: protocol desync")
)

// BusErrorKind classifies a bus-session failure.
type BusErrorKind int

// Bus error kinds reported by the monitor feed.
const (
	BusErrCommunication BusErrorKind = iota + 1
	BusErrNoConnection
	BusErrWrongUsage
	BusErrNoMemory
	BusErrInternal
	BusErrServerAborted
	BusErrTimeout
)

// String returns the kind name used in logs.
func (k BusErrorKind) String() string {
	switch k {
	case BusErrCommunication:
		return "communication"
	case BusErrNoConnection:
		return "no-connection"
	case BusErrWrongUsage:
		return "wrong-usage"
	case BusErrNoMemory:
		return "no-memory"
	case BusErrInternal:
		return "internal"
	case BusErrServerAborted:
		return "server-aborted"
	case BusErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Fatal reports whether the kind terminates the monitoring loop.
// Timeouts and internal (bad status) errors are recovered by the next poll.
func (k BusErrorKind) Fatal() bool {
	return k != BusErrTimeout && k != BusErrInternal
}

// BusError is returned by bus-session operations.
//
// Use errors.As to inspect the kind:
//
//	var busErr *knx.BusError
//	if errors.As(err, &busErr) && busErr.Kind == knx.BusErrTimeout {
//	    // poll again
//	}
type BusError struct {
	Kind BusErrorKind
	Op   string
	Err  error
}

func (e *BusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("knx: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("knx: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// busError builds a *BusError for op.
func busError(kind BusErrorKind, op string, err error) *BusError {
	return &BusError{Kind: kind, Op: op, Err: err}
}
