package knx

import (
	"encoding/binary"
	"fmt"
)

// cEMI message codes.
const (
	CodeDataRequest   byte = 0x11 // L_Data.req
	CodeDataConfirm   byte = 0x2E // L_Data.con
	CodeDataInd       byte = 0x29 // L_Data.ind
	CodeBusmonitorInd byte = 0x2B // L_Busmon.ind
)

// Control and network byte flags.
const (
	ctrlPriorityMask byte = 0x0C
	ctrlPrioLow      byte = 0x0C
	ctrlPrioHigh     byte = 0x04
	ctrlPrioAlarm    byte = 0x08
	ctrlPrioSystem   byte = 0x00

	// ctrlNoRepeat is set when the frame is not a repetition.
	ctrlNoRepeat byte = 0x20

	// ctrlNoAck is set when no acknowledge is requested.
	ctrlNoAck byte = 0x10

	// netGroupFlag is the destination-address-flag in the network byte.
	netGroupFlag byte = 0x80
)

// APCI (Application Protocol Control Information) codes.
const (
	APCIRead     byte = 0x00
	APCIResponse byte = 0x40
	APCIWrite    byte = 0x80
)

// Frame layout.
const (
	// FrameHeaderSize is code, reserved, ctrl, ntwrk, src(2), dst(2), length, TPCI, APCI.
	FrameHeaderSize = 11

	// MaxPayload is the largest payload the frame buffer carries beyond the APCI byte.
	MaxPayload = 16

	// shortValueMask extracts the 6-bit value embedded in the APCI byte.
	shortValueMask byte = 0x3F
)

// MessageCode classifies the cEMI message code.
type MessageCode int

// Message code classes.
const (
	MessageOther MessageCode = iota
	MessageRequest
	MessageConfirm
	MessageIndication
	MessageBusmonitor
)

// Priority is the frame priority from the control byte.
type Priority int

// Frame priorities.
const (
	PrioritySystem Priority = iota
	PriorityHigh
	PriorityAlarm
	PriorityLow
)

// String returns the three-letter label used on the trace line.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "hgh"
	case PriorityAlarm:
		return "alm"
	default:
		return "sys"
	}
}

// Command is the group command carried by the APCI byte.
type Command int

// Group commands.
const (
	CommandRead Command = iota
	CommandWrite
	CommandResponse
)

// String returns the single-letter label used on the trace line.
func (c Command) String() string {
	switch c {
	case CommandWrite:
		return "W"
	case CommandResponse:
		return "A"
	default:
		return "R"
	}
}

// Frame is a decoded cEMI bus frame.
//
// Source and Destination are in host order. Payload holds the data bytes
// that follow the APCI byte, bounded by the length byte and MaxPayload.
type Frame struct {
	Code        byte
	Control     byte
	Network     byte
	Source      uint16
	Destination uint16
	Length      int
	TPCI        byte
	APCI        byte
	Payload     []byte
}

// DecodeFrame parses a raw monitor buffer.
//
// The buffer layout is:
//
//	Byte 0:     message code
//	Byte 1:     reserved (additional info length, always 0)
//	Byte 2:     control byte
//	Byte 3:     network byte (DAF | hop count)
//	Byte 4-5:   source address (big-endian)
//	Byte 6-7:   destination address (big-endian)
//	Byte 8:     length (APCI byte + data bytes)
//	Byte 9:     TPCI
//	Byte 10:    APCI
//	Byte 11+:   data (up to 16 bytes)
//
// Returns ErrFrameTruncated if raw is shorter than FrameHeaderSize. No other
// validation is performed; bytes beyond the declared length are ignored.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < FrameHeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrFrameTruncated, len(raw), FrameHeaderSize)
	}

	f := Frame{
		Code:        raw[0],
		Control:     raw[2],
		Network:     raw[3],
		Source:      binary.BigEndian.Uint16(raw[4:6]),
		Destination: binary.BigEndian.Uint16(raw[6:8]),
		Length:      int(raw[8]),
		TPCI:        raw[9],
		APCI:        raw[10],
	}

	n := f.Length - 1
	if n > MaxPayload {
		n = MaxPayload
	}
	if avail := len(raw) - FrameHeaderSize; n > avail {
		n = avail
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		copy(f.Payload, raw[FrameHeaderSize:FrameHeaderSize+n])
	}

	return f, nil
}

// MessageCode classifies the raw message code.
func (f Frame) MessageCode() MessageCode {
	switch f.Code {
	case CodeDataRequest:
		return MessageRequest
	case CodeDataConfirm:
		return MessageConfirm
	case CodeDataInd:
		return MessageIndication
	case CodeBusmonitorInd:
		return MessageBusmonitor
	default:
		return MessageOther
	}
}

// CodeLabel returns "REQ", "CON", "IND", "MON" or the raw code in hex.
func (f Frame) CodeLabel() string {
	switch f.MessageCode() {
	case MessageRequest:
		return "REQ"
	case MessageConfirm:
		return "CON"
	case MessageIndication:
		return "IND"
	case MessageBusmonitor:
		return "MON"
	default:
		return fmt.Sprintf("%02x", f.Code)
	}
}

// Priority returns the priority encoded in the control byte.
func (f Frame) Priority() Priority {
	switch f.Control & ctrlPriorityMask {
	case ctrlPrioLow:
		return PriorityLow
	case ctrlPrioHigh:
		return PriorityHigh
	case ctrlPrioAlarm:
		return PriorityAlarm
	default:
		return PrioritySystem
	}
}

// Repeated reports whether the frame is a repetition.
func (f Frame) Repeated() bool {
	return f.Control&ctrlNoRepeat == 0
}

// AckRequested reports whether the sender requested an acknowledge.
func (f Frame) AckRequested() bool {
	return f.Control&ctrlNoAck == 0
}

// IsGroup reports whether the destination is a group address.
func (f Frame) IsGroup() bool {
	return f.Network&netGroupFlag != 0
}

// Command returns the group command from the APCI byte.
func (f Frame) Command() Command {
	switch {
	case f.APCI&APCIWrite != 0:
		return CommandWrite
	case f.APCI&APCIResponse != 0:
		return CommandResponse
	default:
		return CommandRead
	}
}

// CarriesValue reports whether the frame is a write or response.
func (f Frame) CarriesValue() bool {
	return f.APCI&(APCIWrite|APCIResponse) != 0
}

// SourceAddress renders the source as a physical address.
func (f Frame) SourceAddress() string {
	return FormatPhysical(f.Source)
}

// DestinationAddress renders the destination using the network byte flag.
func (f Frame) DestinationAddress() string {
	if f.IsGroup() {
		return FormatGroup(f.Destination)
	}
	return FormatPhysical(f.Destination)
}

// GroupKey renders the destination as a group address regardless of the
// network byte flag. Device lookups are keyed on this form.
func (f Frame) GroupKey() string {
	return FormatGroup(f.Destination)
}

// ValueBytes returns the bytes the EIS codec decodes: the 6-bit value
// embedded in the APCI byte for length-1 frames, otherwise the payload.
func (f Frame) ValueBytes() []byte {
	if f.Length == 1 {
		return []byte{f.APCI & shortValueMask}
	}
	return f.Payload
}

// DumpBytes returns the bytes shown in the trace hexdump: the APCI byte for
// length-1 frames, otherwise the payload.
func (f Frame) DumpBytes() []byte {
	if f.Length == 1 {
		return []byte{f.APCI}
	}
	return f.Payload
}

// EncodeFrame builds a raw monitor buffer from f. It is the inverse of
// DecodeFrame and is used to re-frame knxd monitor packets.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	buf[0] = f.Code
	buf[2] = f.Control
	buf[3] = f.Network
	binary.BigEndian.PutUint16(buf[4:6], f.Source)
	binary.BigEndian.PutUint16(buf[6:8], f.Destination)
	buf[8] = byte(f.Length) //nolint:gosec // length byte by construction
	buf[9] = f.TPCI
	buf[10] = f.APCI
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf
}
