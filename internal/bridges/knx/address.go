package knx

import (
	"fmt"
	"strconv"
	"strings"
)

// GroupAddress represents a KNX group address in 3-level format.
//
// Format: Main/Middle/Sub
//   - Main:   0-31 (5 bits)
//   - Middle: 0-7  (3 bits)
//   - Sub:    0-255 (8 bits)
type GroupAddress struct {
	Main   uint8
	Middle uint8
	Sub    uint8
}

// Address limits and bit masks.
const (
	maxMain   = 31
	maxMiddle = 7
	maxSub    = 255

	maxArea   = 15
	maxLine   = 15
	maxDevice = 255

	// addressLevelCount is the number of levels in group and physical addresses.
	addressLevelCount = 3

	// Group address fields as rendered on the monitor trace (4-bit top group).
	groupTopMask   = 0x7800
	groupSubMask   = 0x0700
	groupGroupMask = 0x00FF

	// Physical address fields.
	physAreaMask   = 0xF000
	physLineMask   = 0x0F00
	physDeviceMask = 0x00FF
)

// FormatPhysical renders a physical (individual) address as "area.line.device".
//
// The address must already be in host order (frames are decoded big-endian).
// Every 16-bit input has a textual form.
//
// Example: 0x1101 → "1.1.1"
func FormatPhysical(addr uint16) string {
	area := (addr & physAreaMask) >> 12
	line := (addr & physLineMask) >> 8
	device := addr & physDeviceMask
	return fmt.Sprintf("%d.%d.%d", area, line, device)
}

// FormatGroup renders a group address as "top/sub/group".
//
// Bit 15 is not part of the rendered address: top is bits 14-11,
// sub is bits 10-8 and group is bits 7-0.
//
// Example: 0x0005 → "0/0/5"
func FormatGroup(addr uint16) string {
	top := (addr & groupTopMask) >> 11
	sub := (addr & groupSubMask) >> 8
	group := addr & groupGroupMask
	return fmt.Sprintf("%d/%d/%d", top, sub, group)
}

// ParseGroupAddress parses a 3-level group address string.
//
// Parameters:
//   - s: Group address string, e.g. "1/2/3"
//
// Returns:
//   - GroupAddress: Parsed address
//   - error: ErrInvalidGroupAddress if parsing fails
func ParseGroupAddress(s string) (GroupAddress, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != addressLevelCount {
		return GroupAddress{}, fmt.Errorf("%w: expected 3-level format (main/middle/sub), got %q", ErrInvalidGroupAddress, s)
	}

	main, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || main > maxMain {
		return GroupAddress{}, fmt.Errorf("%w: main group must be 0-%d, got %q", ErrInvalidGroupAddress, maxMain, parts[0])
	}

	middle, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || middle > maxMiddle {
		return GroupAddress{}, fmt.Errorf("%w: middle group must be 0-%d, got %q", ErrInvalidGroupAddress, maxMiddle, parts[1])
	}

	sub, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil || sub > maxSub {
		return GroupAddress{}, fmt.Errorf("%w: sub group must be 0-%d, got %q", ErrInvalidGroupAddress, maxSub, parts[2])
	}

	return GroupAddress{
		Main:   uint8(main),
		Middle: uint8(middle),
		Sub:    uint8(sub),
	}, nil
}

// String returns the group address in 3-level format.
func (ga GroupAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", ga.Main, ga.Middle, ga.Sub)
}

// ToUint16 converts the group address to a 16-bit integer.
//
// Layout: MMMM MSSS SSSS SSSS
func (ga GroupAddress) ToUint16() uint16 {
	return uint16(ga.Main)<<11 | uint16(ga.Middle)<<8 | uint16(ga.Sub)
}

// parsePhysicalAddress parses "area.line.device" into its 16-bit form.
func parsePhysicalAddress(s string) (uint16, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != addressLevelCount {
		return 0, fmt.Errorf("%w: expected area.line.device, got %q", ErrInvalidAddress, s)
	}

	limits := [addressLevelCount]uint64{maxArea, maxLine, maxDevice}
	var fields [addressLevelCount]uint64
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil || v > limits[i] {
			return 0, fmt.Errorf("%w: field %d of %q out of range", ErrInvalidAddress, i+1, s)
		}
		fields[i] = v
	}

	return uint16(fields[0]<<12 | fields[1]<<8 | fields[2]), nil //nolint:gosec // fields bounded above
}

// ResolveAddress maps a textual bus address to its numeric form.
//
// Group addresses use "/" separators ("1/2/3"); physical addresses use "."
// separators ("1.1.1").
//
// Returns:
//   - uint16: Address in host order
//   - bool: true if the address is a group address
//   - error: ErrInvalidAddress or ErrInvalidGroupAddress if parsing fails
func ResolveAddress(s string) (uint16, bool, error) {
	if strings.Contains(s, "/") {
		ga, err := ParseGroupAddress(s)
		if err != nil {
			return 0, false, err
		}
		return ga.ToUint16(), true, nil
	}

	addr, err := parsePhysicalAddress(s)
	if err != nil {
		return 0, false, err
	}
	return addr, false, nil
}

// CanonicalGroupAddress returns s rendered the way FormatGroup renders
// destinations, so configured addresses compare equal to decoded ones.
// Unparseable input is returned trimmed and unchanged.
func CanonicalGroupAddress(s string) string {
	ga, err := ParseGroupAddress(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return FormatGroup(ga.ToUint16())
}
