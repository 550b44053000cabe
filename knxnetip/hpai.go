package knxnetip

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/arloliu/go-knx/knx"
)

// HPAISize is the size of a host protocol address information structure.
const HPAISize = 8

// Host protocol codes.
const (
	ProtocolUDP byte = 0x01
	ProtocolTCP byte = 0x02
)

// HPAI is the host protocol address information, the endpoint a KNXnet/IP server replies to.
type HPAI struct {
	Protocol byte
	Addr     netip.AddrPort
}

// NewHPAI creates an UDP HPAI for the given local address.
//
// Addresses that are not IPv4 are replaced by the route-back endpoint 0.0.0.0:0.
func NewHPAI(addr *net.UDPAddr) HPAI {
	if addr == nil {
		return RouteBackHPAI()
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok || !ip.Unmap().Is4() {
		return RouteBackHPAI()
	}

	return HPAI{Protocol: ProtocolUDP, Addr: netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port))} //nolint:gosec
}

// RouteBackHPAI returns the 0.0.0.0:0 endpoint, telling the server to answer to the source of the request.
func RouteBackHPAI() HPAI {
	return HPAI{Protocol: ProtocolUDP, Addr: netip.AddrPortFrom(netip.IPv4Unspecified(), 0)}
}

// ParseHPAI decodes an HPAI from the start of b.
func ParseHPAI(b []byte) (HPAI, error) {
	if len(b) < HPAISize || b[0] != HPAISize {
		return HPAI{}, fmt.Errorf("%w: invalid HPAI", knx.ErrFormat)
	}
	if b[1] != ProtocolUDP && b[1] != ProtocolTCP {
		return HPAI{}, fmt.Errorf("%w: unknown host protocol 0x%02x", knx.ErrFormat, b[1])
	}

	ip := netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]})

	return HPAI{Protocol: b[1], Addr: netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[6:8]))}, nil
}

// IsRouteBack reports whether the HPAI is the unspecified route-back endpoint.
func (h HPAI) IsRouteBack() bool {
	return !h.Addr.Addr().IsValid() || h.Addr.Addr().IsUnspecified()
}

// Bytes returns the encoded HPAI.
func (h HPAI) Bytes() []byte {
	b := make([]byte, 0, HPAISize)
	b = append(b, HPAISize, h.Protocol)
	ip := netip.IPv4Unspecified()
	if h.Addr.Addr().Is4() {
		ip = h.Addr.Addr()
	}
	ip4 := ip.As4()
	b = append(b, ip4[:]...)

	return binary.BigEndian.AppendUint16(b, h.Addr.Port())
}

// UDPAddr returns the endpoint as *net.UDPAddr, or nil for the route-back endpoint.
func (h HPAI) UDPAddr() *net.UDPAddr {
	if h.IsRouteBack() {
		return nil
	}

	return net.UDPAddrFromAddrPort(h.Addr)
}

func (h HPAI) String() string {
	return h.Addr.String()
}
