package knx

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// SerialNumber is the 6-byte KNX serial number of a device.
type SerialNumber [6]byte

// SerialNumberFrom creates a serial number from the first 6 bytes of b.
func SerialNumberFrom(b []byte) (SerialNumber, error) {
	var sn SerialNumber
	if len(b) < len(sn) {
		return sn, fmt.Errorf("%w: serial number requires 6 bytes, got %d", ErrFormat, len(b))
	}
	copy(sn[:], b)

	return sn, nil
}

// ParseSerialNumber parses a serial number in "0123:45678901" or plain hex notation.
func ParseSerialNumber(s string) (SerialNumber, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s), ":", ""))
	if err != nil || len(b) != 6 {
		return SerialNumber{}, fmt.Errorf("%w: invalid serial number %q", ErrIllegalArgument, s)
	}

	return SerialNumberFrom(b)
}

// String returns the serial number as "mmmm:nnnnnnnn", manufacturer code first.
func (sn SerialNumber) String() string {
	return hex.EncodeToString(sn[:2]) + ":" + hex.EncodeToString(sn[2:])
}
