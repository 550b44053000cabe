package knxnetip

import (
	"fmt"

	"github.com/arloliu/go-knx/knx"
)

// Connection types and tunneling layers used in the connection request information.
const (
	TunnelConnection byte = 0x04
	TunnelLinkLayer  byte = 0x02
)

// Status is a KNXnet/IP response status code.
type Status byte

// KNXnet/IP status codes.
const (
	StatusNoError            Status = 0x00
	StatusSequenceNumber     Status = 0x04
	StatusConnectionID       Status = 0x21
	StatusConnectionType     Status = 0x22
	StatusConnectionOption   Status = 0x23
	StatusNoMoreConnections  Status = 0x24
	StatusNoMoreUniqueConns  Status = 0x25
	StatusDataConnection     Status = 0x26
	StatusKNXConnection      Status = 0x27
	StatusAuthorisationError Status = 0x28
	StatusTunnelingLayer     Status = 0x29
)

func (s Status) String() string {
	switch s {
	case StatusNoError:
		return "no error"
	case StatusSequenceNumber:
		return "wrong sequence number"
	case StatusConnectionID:
		return "no active connection with channel id"
	case StatusConnectionType:
		return "connection type not supported"
	case StatusConnectionOption:
		return "connection option not supported"
	case StatusNoMoreConnections:
		return "no more connections accepted"
	case StatusNoMoreUniqueConns:
		return "no more unique connections"
	case StatusDataConnection:
		return "data connection error"
	case StatusKNXConnection:
		return "KNX subnetwork connection error"
	case StatusAuthorisationError:
		return "not authorised for the requested tunneling address"
	case StatusTunnelingLayer:
		return "tunneling layer not supported"
	default:
		return fmt.Sprintf("status 0x%02x", byte(s))
	}
}

// ConnectRequestBody encodes a tunnel connect request.
//
// The tunneling address is requested with the extended CRI unless addr is knx.BackboneRouter.
func ConnectRequestBody(ctrl, data HPAI, addr knx.IndividualAddress) []byte {
	cri := []byte{4, TunnelConnection, TunnelLinkLayer, 0}
	if addr != knx.BackboneRouter {
		cri = []byte{6, TunnelConnection, TunnelLinkLayer, 0, byte(addr >> 8), byte(addr)}
	}

	b := append(ctrl.Bytes(), data.Bytes()...)

	return append(b, cri...)
}

// ConnectResponseFrame is a decoded connect response.
type ConnectResponseFrame struct {
	ChannelID uint8
	Status    Status
	// DataEndpoint and Address are only set if Status is StatusNoError.
	DataEndpoint HPAI
	Address      knx.IndividualAddress
}

// ParseConnectResponse decodes a connect response body.
func ParseConnectResponse(body []byte) (*ConnectResponseFrame, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: connect response too short", knx.ErrFormat)
	}

	res := &ConnectResponseFrame{ChannelID: body[0], Status: Status(body[1])}
	if res.Status != StatusNoError {
		return res, nil
	}

	if len(body) < 2+HPAISize+4 {
		return nil, fmt.Errorf("%w: connect response too short", knx.ErrFormat)
	}
	hpai, err := ParseHPAI(body[2:])
	if err != nil {
		return nil, err
	}
	res.DataEndpoint = hpai

	crd := body[2+HPAISize:]
	if crd[0] != 4 || crd[1] != TunnelConnection {
		return nil, fmt.Errorf("%w: unexpected connection response data block", knx.ErrFormat)
	}
	res.Address = knx.IndividualAddress(uint16(crd[2])<<8 | uint16(crd[3]))

	return res, nil
}

// ChannelRequestBody encodes the body of a connection state or disconnect request.
func ChannelRequestBody(channelID uint8, ctrl HPAI) []byte {
	return append([]byte{channelID, 0}, ctrl.Bytes()...)
}

// ChannelResponseBody encodes the body of a connection state or disconnect response.
func ChannelResponseBody(channelID uint8, status Status) []byte {
	return []byte{channelID, byte(status)}
}

// ParseChannelFrame decodes channel id and status of a connection state or disconnect frame.
func ParseChannelFrame(body []byte) (uint8, Status, error) {
	if len(body) < 2 {
		return 0, 0, fmt.Errorf("%w: channel frame too short", knx.ErrFormat)
	}

	return body[0], Status(body[1]), nil
}

// ConnHeaderSize is the size of the tunneling connection header.
const ConnHeaderSize = 4

// ConnHeader is the connection header of tunneling requests and acks.
type ConnHeader struct {
	ChannelID uint8
	Seq       uint8
	Status    Status
}

// Bytes returns the encoded connection header.
func (c ConnHeader) Bytes() []byte {
	return []byte{ConnHeaderSize, c.ChannelID, c.Seq, byte(c.Status)}
}

// ParseConnHeader decodes the connection header at the start of a tunneling body.
func ParseConnHeader(body []byte) (ConnHeader, error) {
	if len(body) < ConnHeaderSize || body[0] != ConnHeaderSize {
		return ConnHeader{}, fmt.Errorf("%w: invalid connection header", knx.ErrFormat)
	}

	return ConnHeader{ChannelID: body[1], Seq: body[2], Status: Status(body[3])}, nil
}

// TunnelingRequestPacket creates a tunneling request carrying the cEMI frame.
func TunnelingRequestPacket(channelID, seq uint8, cemi []byte) []byte {
	return NewPacket(TunnelingRequest, ConnHeader{ChannelID: channelID, Seq: seq}.Bytes(), cemi)
}

// TunnelingAckPacket creates a tunneling acknowledge.
func TunnelingAckPacket(channelID, seq uint8, status Status) []byte {
	return NewPacket(TunnelingAck, ConnHeader{ChannelID: channelID, Seq: seq, Status: status}.Bytes())
}
