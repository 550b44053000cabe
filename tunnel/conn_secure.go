package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/arloliu/go-knx/knxnetip"
	"github.com/arloliu/go-knx/secure"
)

// SecureConnection is a KNX IP Secure tunnel connection.
//
// Open establishes the secure session before the tunnel is connected, and every frame exchanged
// afterwards travels in a secure wrapper. Frames that are not secured are dropped.
//
// A session is used for a single setup, so a closed SecureConnection cannot be opened again.
type SecureConnection struct {
	*Connection
	session *secure.Session
}

// NewSecureConnection creates a secure tunnel connection using session for the handshake and
// frame protection.
func NewSecureConnection(ctx context.Context, cfg *ConnectionConfig, session *secure.Session) (*SecureConnection, error) {
	if session == nil {
		return nil, errors.New("tunnel: secure session is nil")
	}

	c, err := newConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.layer = &secureLayer{c: c, session: session}

	return &SecureConnection{Connection: c, session: session}, nil
}

// Session returns the secure session of the connection.
func (sc *SecureConnection) Session() *secure.Session {
	return sc.session
}

type secureLayer struct {
	c       *Connection
	session *secure.Session
}

func (l *secureLayer) open(ctx context.Context) error {
	// no other frames are sent during setup, so only close needs writeMu around wrap and write
	send := func(packet []byte) error {
		return l.c.writeTo(l.c.ctrlAddr, packet)
	}

	if err := l.session.Setup(ctx, send, l.c.localHPAI()); err != nil {
		return fmt.Errorf("tunnel: secure session setup: %w", err)
	}
	l.c.logger.Info("secure session established", "session_id", l.session.SessionID())

	return nil
}

func (l *secureLayer) outbound(packet []byte) ([]byte, error) {
	return l.session.Wrap(packet)
}

func (l *secureLayer) close() {
	l.c.writeMu.Lock()
	defer l.c.writeMu.Unlock()

	if err := l.session.Close(); err != nil {
		l.c.logger.Debug("failed to close secure session", "error", err)
	}
}

func (l *secureLayer) inbound(h knxnetip.Header, data []byte, src *net.UDPAddr) {
	c := l.c

	if !h.IsSecure() {
		c.logger.Warn("drop frame without security", "service", h.ServiceType, "src", src)
		c.metrics.incFrameDropCount()

		return
	}

	switch h.ServiceType {
	case knxnetip.SessionResponse:
		if err := l.session.HandleSessionResponse(h.Body(data)); err != nil {
			c.logger.Warn("session response rejected", "error", err)
		}

	case knxnetip.SecureWrapper:
		env, err := l.session.Unwrap(h, data)
		if err != nil {
			c.logger.Warn("drop secure wrapper", "src", src, "error", err)
			c.metrics.incFrameDropCount()

			return
		}

		inner, err := knxnetip.ParseHeader(env.Packet)
		if err != nil {
			c.logger.Warn("drop malformed secured frame", "error", err)
			c.metrics.incFrameDropCount()

			return
		}
		l.handleSecured(inner, env.Packet, src)

	default:
		c.logger.Warn("unsupported secure service, frame ignored", "service", h.ServiceType, "src", src)
		c.metrics.incFrameDropCount()
	}
}

func (l *secureLayer) handleSecured(h knxnetip.Header, data []byte, src *net.UDPAddr) {
	if h.ServiceType != knxnetip.SessionStatus {
		l.c.handleServiceType(h, data, src)
		return
	}

	status, err := knxnetip.ParseSessionStatus(h.Body(data))
	if err != nil {
		l.c.metrics.incFrameDropCount()
		return
	}

	err = l.session.HandleSessionStatus(status)
	switch {
	case errors.Is(err, secure.ErrSessionClosed):
		l.c.logger.Info("secure session closed by server", "status", status)
		l.c.closeAsync(false)
	case err != nil:
		l.c.logger.Warn("secure session setup failed", "status", status, "error", err)
	}
}
