package cemi

import (
	"fmt"
	"strconv"
	"strings"
)

// IndividualAddr is a 16-bit KNX individual (physical) address in the
// form area.line.device (4.4.8 bits).
type IndividualAddr uint16

// NewIndividualAddr assembles an individual address from its parts.
// Area and line are masked to 4 bits, device uses the full byte.
func NewIndividualAddr(area, line, device uint8) IndividualAddr {
	return IndividualAddr(uint16(area&0x0f)<<12 | uint16(line&0x0f)<<8 | uint16(device))
}

// Area returns the area part (high 4 bits).
func (a IndividualAddr) Area() uint8 { return uint8(a >> 12) }

// Line returns the line part (middle 4 bits).
func (a IndividualAddr) Line() uint8 { return uint8(a>>8) & 0x0f }

// Device returns the device part (low byte).
func (a IndividualAddr) Device() uint8 { return uint8(a) }

// String formats the address as "area.line.device".
func (a IndividualAddr) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Area(), a.Line(), a.Device())
}

// ParseIndividualAddr parses an individual address in "a.l.d" notation
// or as a plain decimal raw value.
func ParseIndividualAddr(s string) (IndividualAddr, error) {
	parts := strings.Split(s, ".")
	switch len(parts) {
	case 1:
		raw, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
		}
		return IndividualAddr(raw), nil
	case 3:
		area, err1 := strconv.ParseUint(parts[0], 10, 8)
		line, err2 := strconv.ParseUint(parts[1], 10, 8)
		device, err3 := strconv.ParseUint(parts[2], 10, 8)
		if err1 != nil || err2 != nil || err3 != nil || area > 15 || line > 15 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
		}
		return NewIndividualAddr(uint8(area), uint8(line), uint8(device)), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}
}

// GroupAddr is a 16-bit KNX group address. The stack does not care
// about presentation style; String uses 3-level (main/middle/sub,
// 5.3.8 bits), the most common ETS project setting.
type GroupAddr uint16

// NewGroupAddr assembles a 3-level group address.
func NewGroupAddr(main, middle uint8, sub uint8) GroupAddr {
	return GroupAddr(uint16(main&0x1f)<<11 | uint16(middle&0x07)<<8 | uint16(sub))
}

// String formats the address as "main/middle/sub".
func (g GroupAddr) String() string {
	return fmt.Sprintf("%d/%d/%d", g>>11, (g>>8)&0x07, g&0xff)
}

// ParseGroupAddr parses a group address in "m/s/g" (3-level) or "m/g"
// (2-level, 5.11 bits) notation, or as a plain decimal raw value.
// ETS keyring exports use the raw form, project exports the slash forms.
func ParseGroupAddr(s string) (GroupAddr, error) {
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		raw, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
		}
		return GroupAddr(raw), nil
	case 2:
		main, err1 := strconv.ParseUint(parts[0], 10, 8)
		sub, err2 := strconv.ParseUint(parts[1], 10, 16)
		if err1 != nil || err2 != nil || main > 31 || sub > 2047 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
		}
		return GroupAddr(uint16(main)<<11 | uint16(sub)), nil
	case 3:
		main, err1 := strconv.ParseUint(parts[0], 10, 8)
		middle, err2 := strconv.ParseUint(parts[1], 10, 8)
		sub, err3 := strconv.ParseUint(parts[2], 10, 8)
		if err1 != nil || err2 != nil || err3 != nil || main > 31 || middle > 7 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
		}
		return NewGroupAddr(uint8(main), uint8(middle), uint8(sub)), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}
}
