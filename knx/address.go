// Package knx contains the basic KNX value types shared by the tunneling and management packages:
// individual addresses, serial numbers, transmission media and the error taxonomy.
package knx

import (
	"fmt"
	"strconv"
	"strings"
)

// IndividualAddress is a 16-bit KNX device address in the area.line.device format.
//
// The high nibble is the area, the next nibble is the line and the low byte is the device.
type IndividualAddress uint16

const (
	// BackboneRouter is the address 0.0.0, used as "any address" in tunnel requests.
	BackboneRouter IndividualAddress = 0x0000
	// DefaultAddress is the address of an unconfigured device (15.15.255).
	DefaultAddress IndividualAddress = 0xffff
)

// NewIndividualAddress creates an address from its area, line and device parts.
//
// It returns ErrIllegalArgument if any part is out of range.
func NewIndividualAddress(area, line, device int) (IndividualAddress, error) {
	if area < 0 || area > 0xf || line < 0 || line > 0xf || device < 0 || device > 0xff {
		return 0, fmt.Errorf("%w: address %d.%d.%d out of range", ErrIllegalArgument, area, line, device)
	}

	return IndividualAddress(area<<12 | line<<8 | device), nil
}

// ParseIndividualAddress parses the "area.line.device" notation, e.g. "1.1.5".
func ParseIndividualAddress(s string) (IndividualAddress, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: invalid individual address %q", ErrIllegalArgument, s)
	}

	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid individual address %q", ErrIllegalArgument, s)
		}
		v[i] = n
	}

	return NewIndividualAddress(v[0], v[1], v[2])
}

// Area returns the area part of the address.
func (a IndividualAddress) Area() int { return int(a >> 12) }

// Line returns the line part of the address.
func (a IndividualAddress) Line() int { return int(a>>8) & 0xf }

// Device returns the device part of the address.
func (a IndividualAddress) Device() int { return int(a) & 0xff }

// Bytes returns the big-endian wire representation.
func (a IndividualAddress) Bytes() []byte { return []byte{byte(a >> 8), byte(a)} }

// String returns the address in area.line.device notation.
func (a IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", a.Area(), a.Line(), a.Device())
}
