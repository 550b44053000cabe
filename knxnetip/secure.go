package knxnetip

import (
	"encoding/binary"
	"fmt"

	"github.com/arloliu/go-knx/knx"
)

// KNX IP Secure frame field sizes.
const (
	PublicKeySize = 32
	MACSize       = 16
	SeqSize       = 6
	SerialSize    = 6
	// WrapperHeaderSize is the size of the secure wrapper up to the encrypted frame:
	// header, session id, sequence number, serial number and message tag.
	WrapperHeaderSize = HeaderSize + 2 + SeqSize + SerialSize + 2
	// WrapperOverhead is the number of bytes a secure wrapper adds to the encapsulated frame.
	WrapperOverhead = WrapperHeaderSize + MACSize
)

// SecureStatus is the status code carried in a session status frame.
type SecureStatus byte

// Session status codes.
const (
	SecureAuthSuccess     SecureStatus = 0
	SecureAuthFailed      SecureStatus = 1
	SecureUnauthenticated SecureStatus = 2
	SecureTimeout         SecureStatus = 3
	SecureKeepAlive       SecureStatus = 4
	SecureClose           SecureStatus = 5
)

func (s SecureStatus) String() string {
	switch s {
	case SecureAuthSuccess:
		return "authorization success"
	case SecureAuthFailed:
		return "authorization failed"
	case SecureUnauthenticated:
		return "unauthenticated"
	case SecureTimeout:
		return "timeout"
	case SecureKeepAlive:
		return "keep-alive"
	case SecureClose:
		return "close"
	default:
		return fmt.Sprintf("unknown status %d", byte(s))
	}
}

// SessionRequestFrame is the client's request to open a secure session.
type SessionRequestFrame struct {
	Endpoint  HPAI
	PublicKey [PublicKeySize]byte
}

// Packet returns the encoded frame including the header.
func (f *SessionRequestFrame) Packet() []byte {
	return NewPacket(SessionRequest, f.Endpoint.Bytes(), f.PublicKey[:])
}

// ParseSessionRequest decodes a session request body.
func ParseSessionRequest(body []byte) (*SessionRequestFrame, error) {
	if len(body) != HPAISize+PublicKeySize {
		return nil, fmt.Errorf("%w: session request has %d bytes", knx.ErrFormat, len(body))
	}
	hpai, err := ParseHPAI(body)
	if err != nil {
		return nil, err
	}

	f := &SessionRequestFrame{Endpoint: hpai}
	copy(f.PublicKey[:], body[HPAISize:])

	return f, nil
}

// SessionResponseFrame is the server's answer to a session request.
type SessionResponseFrame struct {
	SessionID uint16
	PublicKey [PublicKeySize]byte
	MAC       [MACSize]byte
}

// Packet returns the encoded frame including the header.
func (f *SessionResponseFrame) Packet() []byte {
	return NewPacket(SessionResponse, binary.BigEndian.AppendUint16(nil, f.SessionID), f.PublicKey[:], f.MAC[:])
}

// ParseSessionResponse decodes a session response body.
func ParseSessionResponse(body []byte) (*SessionResponseFrame, error) {
	if len(body) != 2+PublicKeySize+MACSize {
		return nil, fmt.Errorf("%w: session response has %d bytes", knx.ErrFormat, len(body))
	}

	f := &SessionResponseFrame{SessionID: binary.BigEndian.Uint16(body)}
	copy(f.PublicKey[:], body[2:])
	copy(f.MAC[:], body[2+PublicKeySize:])

	return f, nil
}

// SessionAuthFrame authenticates the client user inside an established secure channel.
type SessionAuthFrame struct {
	UserID uint8
	MAC    [MACSize]byte
}

// Packet returns the encoded frame including the header.
func (f *SessionAuthFrame) Packet() []byte {
	return NewPacket(SessionAuthenticate, []byte{0, f.UserID}, f.MAC[:])
}

// ParseSessionAuth decodes a session authenticate body.
func ParseSessionAuth(body []byte) (*SessionAuthFrame, error) {
	if len(body) != 2+MACSize {
		return nil, fmt.Errorf("%w: session authenticate has %d bytes", knx.ErrFormat, len(body))
	}

	f := &SessionAuthFrame{UserID: body[1]}
	copy(f.MAC[:], body[2:])

	return f, nil
}

// SessionStatusPacket creates a session status frame.
func SessionStatusPacket(status SecureStatus) []byte {
	return NewPacket(SessionStatus, []byte{byte(status), 0})
}

// ParseSessionStatus decodes a session status body.
func ParseSessionStatus(body []byte) (SecureStatus, error) {
	if len(body) != 2 {
		return 0, fmt.Errorf("%w: session status has %d bytes", knx.ErrFormat, len(body))
	}

	return SecureStatus(body[0]), nil
}
