package knxnetip

import "fmt"

// ServiceType identifies a KNXnet/IP service.
type ServiceType uint16

const familySecure = 0x09

// KNXnet/IP core and tunneling services.
const (
	SearchRequest           ServiceType = 0x0201
	SearchResponse          ServiceType = 0x0202
	DescriptionRequest      ServiceType = 0x0203
	DescriptionResponse     ServiceType = 0x0204
	ConnectRequest          ServiceType = 0x0205
	ConnectResponse         ServiceType = 0x0206
	ConnectionStateRequest  ServiceType = 0x0207
	ConnectionStateResponse ServiceType = 0x0208
	DisconnectRequest       ServiceType = 0x0209
	DisconnectResponse      ServiceType = 0x020a
	TunnelingRequest        ServiceType = 0x0420
	TunnelingAck            ServiceType = 0x0421
)

// KNX IP Secure services.
const (
	SecureWrapper       ServiceType = 0x0950
	SessionRequest      ServiceType = 0x0951
	SessionResponse     ServiceType = 0x0952
	SessionAuthenticate ServiceType = 0x0953
	SessionStatus       ServiceType = 0x0954
	TimerNotify         ServiceType = 0x0955
)

// Family returns the service family, the high byte of the service type.
func (s ServiceType) Family() int {
	return int(s >> 8)
}

// String returns the service name.
func (s ServiceType) String() string {
	switch s {
	case SearchRequest:
		return "search.req"
	case SearchResponse:
		return "search.res"
	case DescriptionRequest:
		return "description.req"
	case DescriptionResponse:
		return "description.res"
	case ConnectRequest:
		return "connect.req"
	case ConnectResponse:
		return "connect.res"
	case ConnectionStateRequest:
		return "connectionstate.req"
	case ConnectionStateResponse:
		return "connectionstate.res"
	case DisconnectRequest:
		return "disconnect.req"
	case DisconnectResponse:
		return "disconnect.res"
	case TunnelingRequest:
		return "tunneling.req"
	case TunnelingAck:
		return "tunneling.ack"
	case SecureWrapper:
		return "secure-wrapper"
	case SessionRequest:
		return "session.req"
	case SessionResponse:
		return "session.res"
	case SessionAuthenticate:
		return "session-auth"
	case SessionStatus:
		return "session-status"
	case TimerNotify:
		return "timer-notify"
	default:
		return fmt.Sprintf("unknown service 0x%04x", uint16(s))
	}
}
