package secure

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-knx/internal/pool"
	"github.com/arloliu/go-knx/knx"
	"github.com/arloliu/go-knx/knxnetip"
	"github.com/arloliu/go-knx/logger"
)

// SessionState is the handshake state of a secure session.
type SessionState uint32

// Secure session states.
const (
	// SessionIdle indicates the session setup was not started.
	SessionIdle SessionState = iota
	// SessionRequestSent indicates the session request was sent and the response is pending.
	SessionRequestSent
	// SessionAuthPending indicates the session key is derived and the authentication status is pending.
	SessionAuthPending
	// SessionEstablished indicates the user is authenticated and frames can be exchanged.
	SessionEstablished
	// SessionFailed indicates the setup failed, see Status and the error returned by Setup.
	SessionFailed
	// SessionClosed indicates an established session was closed by either side.
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionRequestSent:
		return "request-sent"
	case SessionAuthPending:
		return "auth-pending"
	case SessionEstablished:
		return "established"
	case SessionFailed:
		return "failed"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendFunc sends a frame to the control endpoint of the server.
type SendFunc func(packet []byte) error

const (
	// DefaultSetupTimeout is the default time to wait for the session to be established.
	DefaultSetupTimeout = 10 * time.Second
	// MinSetupTimeout is the minimum setup timeout.
	MinSetupTimeout = 10 * time.Millisecond
	// MaxSetupTimeout is the maximum setup timeout.
	MaxSetupTimeout = 2 * time.Minute
)

// SessionOption configures a Session.
type SessionOption func(*Session) error

// WithDeviceAuthCode sets the device authentication code hash used to authenticate the server.
//
// Without it the server's session response is accepted unauthenticated.
func WithDeviceAuthCode(key []byte) SessionOption {
	return func(s *Session) error {
		if len(key) != KeySize {
			return fmt.Errorf("secure: device authentication key must be %d bytes", KeySize)
		}
		s.deviceAuthKey = key

		return nil
	}
}

// WithSerialNumber sets the serial number put into wrapped frames.
func WithSerialNumber(sn knx.SerialNumber) SessionOption {
	return func(s *Session) error {
		s.serial = sn
		return nil
	}
}

// WithSetupTimeout sets the time Setup waits for the session to be established.
//
// The valid range is [MinSetupTimeout, MaxSetupTimeout].
func WithSetupTimeout(d time.Duration) SessionOption {
	return func(s *Session) error {
		if d < MinSetupTimeout || d > MaxSetupTimeout {
			return fmt.Errorf("secure: setup timeout out of range [%v, %v]", MinSetupTimeout, MaxSetupTimeout)
		}
		s.setupTimeout = d

		return nil
	}
}

// WithSessionLogger sets the logger of the session.
func WithSessionLogger(l logger.Logger) SessionOption {
	return func(s *Session) error {
		if l == nil {
			return fmt.Errorf("secure: logger is nil")
		}
		s.logger = l

		return nil
	}
}

// Session is the client side of a KNX IP Secure unicast session.
//
// Setup is called by the connection's caller goroutine and blocks until the receiver goroutine, which
// feeds session responses and session status frames through HandleSessionResponse and
// HandleSessionStatus, completes the handshake. A Session is set up at most once.
type Session struct {
	userID        uint8
	userKey       []byte
	deviceAuthKey []byte
	serial        knx.SerialNumber
	setupTimeout  time.Duration
	logger        logger.Logger

	started atomic.Bool
	state   atomic.Uint32
	status  atomic.Uint32
	keys    *KeyPair
	send    SendFunc
	codec   atomic.Pointer[Codec]

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// NewSession creates a session for the tunneling user userID authenticated by userKey,
// the user password hash.
func NewSession(userID uint8, userKey []byte, opts ...SessionOption) (*Session, error) {
	if userID == 0 || userID > 0x7f {
		return nil, fmt.Errorf("%w: user id %d out of range [1, 127]", knx.ErrIllegalArgument, userID)
	}
	if len(userKey) != KeySize {
		return nil, fmt.Errorf("%w: user key must be %d bytes", knx.ErrIllegalArgument, KeySize)
	}

	s := &Session{
		userID:       userID,
		userKey:      userKey,
		setupTimeout: DefaultSetupTimeout,
		logger:       logger.GetLogger(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Status returns the last session status received from the server.
func (s *Session) Status() knxnetip.SecureStatus {
	return knxnetip.SecureStatus(s.status.Load()) //nolint:gosec
}

// SessionID returns the id assigned by the server, or 0 if no session key is derived.
func (s *Session) SessionID() uint16 {
	if c := s.codec.Load(); c != nil {
		return c.SessionID()
	}

	return 0
}

// Done returns a channel closed when the setup finished, successfully or not.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Setup sends the session request for endpoint, the HPAI the server answers to, and waits until the
// session is established, the setup fails, the setup timeout elapses or ctx is done.
//
// A non-success session status is returned as *StatusError, a timeout wraps knx.ErrTimeout and a
// cancelled ctx wraps knx.ErrInterrupted.
func (s *Session) Setup(ctx context.Context, send SendFunc, endpoint knxnetip.HPAI) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSessionInUse
	}

	keys, err := GenerateKeyPair()
	if err != nil {
		s.finish(SessionFailed, err)
		return err
	}
	s.keys = keys
	s.send = send
	s.state.Store(uint32(SessionRequestSent))

	req := &knxnetip.SessionRequestFrame{Endpoint: endpoint, PublicKey: keys.Public}
	s.logger.Debug("send session request", "endpoint", endpoint)
	if err := send(req.Packet()); err != nil {
		s.finish(SessionFailed, err)
		return fmt.Errorf("secure: send session request: %w", err)
	}

	timer := pool.GetTimer(s.setupTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-s.done:
		return s.result()

	case <-timer.C:
		s.finish(SessionFailed, fmt.Errorf("%w: secure session setup exceeded %v", knx.ErrTimeout, s.setupTimeout))
		return s.result()

	case <-ctx.Done():
		s.finish(SessionFailed, knx.Interrupted(ctx))
		return s.result()
	}
}

// HandleSessionResponse processes the body of a session response frame.
//
// It is called by the receiver goroutine. Responses arriving in any state but SessionRequestSent are
// logged and ignored.
func (s *Session) HandleSessionResponse(body []byte) error {
	if state := s.State(); state != SessionRequestSent {
		s.logger.Debug("ignore session response", "state", state)
		return nil
	}

	res, err := knxnetip.ParseSessionResponse(body)
	if err != nil {
		return err
	}

	if s.deviceAuthKey != nil {
		mac, err := SessionResponseMAC(s.deviceAuthKey, res.SessionID, s.keys.Public, res.PublicKey)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(mac[:], res.MAC[:]) != 1 {
			err := fmt.Errorf("%w: server failed device authentication", ErrAuthentication)
			s.finish(SessionFailed, err)

			return err
		}
	} else {
		s.logger.Warn("no device authentication code configured, skip server authentication")
	}

	key, err := s.keys.SessionKey(res.PublicKey)
	if err != nil {
		s.finish(SessionFailed, err)
		return err
	}
	codec, err := NewCodec(key, res.SessionID, s.serial)
	if err != nil {
		s.finish(SessionFailed, err)
		return err
	}
	if !s.state.CompareAndSwap(uint32(SessionRequestSent), uint32(SessionAuthPending)) {
		s.logger.Debug("session setup already finished", "state", s.State())
		return nil
	}
	s.codec.Store(codec)

	auth := &knxnetip.SessionAuthFrame{UserID: s.userID}
	if auth.MAC, err = SessionAuthMAC(s.userKey, s.userID, s.keys.Public, res.PublicKey); err != nil {
		s.finish(SessionFailed, err)
		return err
	}

	packet, err := codec.Wrap(auth.Packet())
	if err == nil {
		s.logger.Debug("send session authenticate", "session_id", res.SessionID, "user_id", s.userID)
		err = s.send(packet)
	}
	if err != nil {
		s.finish(SessionFailed, err)
		return fmt.Errorf("secure: send session authenticate: %w", err)
	}

	return nil
}

// HandleSessionStatus processes a session status received inside a secure wrapper.
//
// It is called by the receiver goroutine. While authentication is pending the status completes the
// setup: success establishes the session, any other status fails it and is returned as *StatusError.
// For an established session, close, timeout and unauthenticated statuses end the session and an error
// wrapping ErrSessionClosed is returned.
func (s *Session) HandleSessionStatus(status knxnetip.SecureStatus) error {
	switch state := s.State(); state {
	case SessionAuthPending:
		s.status.Store(uint32(status))
		if status == knxnetip.SecureAuthSuccess {
			s.finish(SessionEstablished, nil)
			return nil
		}

		err := &StatusError{Status: status}
		s.finish(SessionFailed, err)

		return err

	case SessionEstablished:
		s.status.Store(uint32(status))
		switch status {
		case knxnetip.SecureClose, knxnetip.SecureTimeout, knxnetip.SecureUnauthenticated:
			s.state.Store(uint32(SessionClosed))
			return fmt.Errorf("%w: %w", ErrSessionClosed, &StatusError{Status: status})
		default:
			return nil
		}

	default:
		s.logger.Debug("ignore session status", "state", state, "status", status)
		return nil
	}
}

// Wrap encrypts packet with the session key.
func (s *Session) Wrap(packet []byte) ([]byte, error) {
	c := s.codec.Load()
	if c == nil {
		return nil, ErrNoSession
	}

	return c.Wrap(packet)
}

// Unwrap authenticates and decrypts a secure wrapper frame with the session key.
func (s *Session) Unwrap(h knxnetip.Header, data []byte) (*Envelope, error) {
	c := s.codec.Load()
	if c == nil {
		return nil, ErrNoSession
	}

	return c.Unwrap(h, data)
}

// Close ends an established session by sending a close status to the server.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(uint32(SessionEstablished), uint32(SessionClosed)) {
		return nil
	}

	packet, err := s.Wrap(knxnetip.SessionStatusPacket(knxnetip.SecureClose))
	if err != nil {
		return err
	}

	return s.send(packet)
}

// finish records the setup outcome and releases the Setup caller, once.
func (s *Session) finish(state SessionState, err error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()

		s.state.Store(uint32(state))
		close(s.done)
	})
}

func (s *Session) result() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}
