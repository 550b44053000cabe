// Package knxnetip implements the KNXnet/IP frame layer: the common frame header, host protocol address
// information, tunneling connection services and the KNX IP Secure session frames.
//
// It also provides the connection state manager and goroutine task manager shared by the tunnel
// connection implementations.
package knxnetip

import (
	"encoding/binary"
	"fmt"

	"github.com/arloliu/go-knx/knx"
)

const (
	// HeaderSize is the size of the KNXnet/IP frame header.
	HeaderSize = 6
	// ProtocolVersion is the KNXnet/IP protocol version 1.0.
	ProtocolVersion = 0x10
)

// Header is the KNXnet/IP frame header.
type Header struct {
	ServiceType ServiceType
	// TotalLength is the length of the frame including the header.
	TotalLength int
}

// NewHeader creates a header for a frame with the given body length.
func NewHeader(svc ServiceType, bodyLen int) Header {
	return Header{ServiceType: svc, TotalLength: HeaderSize + bodyLen}
}

// ParseHeader decodes the header at the start of data.
//
// It returns knx.ErrFormat if the header is invalid or data is shorter than the total length announced
// by the header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: frame too short for header (%d bytes)", knx.ErrFormat, len(data))
	}
	if data[0] != HeaderSize || data[1] != ProtocolVersion {
		return Header{}, fmt.Errorf("%w: unsupported header length %d or version 0x%02x", knx.ErrFormat, data[0], data[1])
	}

	h := Header{
		ServiceType: ServiceType(binary.BigEndian.Uint16(data[2:4])),
		TotalLength: int(binary.BigEndian.Uint16(data[4:6])),
	}
	if h.TotalLength < HeaderSize || h.TotalLength > len(data) {
		return Header{}, fmt.Errorf("%w: total length %d, frame has %d bytes", knx.ErrFormat, h.TotalLength, len(data))
	}

	return h, nil
}

// IsSecure reports whether the service belongs to the KNX IP Secure service family.
func (h Header) IsSecure() bool {
	return h.ServiceType.Family() == familySecure
}

// Body returns the frame body of data, which must start with this header.
func (h Header) Body(data []byte) []byte {
	return data[HeaderSize:h.TotalLength]
}

// AppendTo appends the encoded header to b.
func (h Header) AppendTo(b []byte) []byte {
	b = append(b, HeaderSize, ProtocolVersion)
	b = binary.BigEndian.AppendUint16(b, uint16(h.ServiceType))

	return binary.BigEndian.AppendUint16(b, uint16(h.TotalLength)) //nolint:gosec
}

// Bytes returns the encoded header.
func (h Header) Bytes() []byte {
	return h.AppendTo(make([]byte, 0, HeaderSize))
}

// String returns a short description for logging.
func (h Header) String() string {
	return fmt.Sprintf("%s (%d bytes)", h.ServiceType, h.TotalLength)
}

// NewPacket creates a complete frame from the service type and body parts.
func NewPacket(svc ServiceType, parts ...[]byte) []byte {
	bodyLen := 0
	for _, p := range parts {
		bodyLen += len(p)
	}

	packet := NewHeader(svc, bodyLen).AppendTo(make([]byte, 0, HeaderSize+bodyLen))
	for _, p := range parts {
		packet = append(packet, p...)
	}

	return packet
}
