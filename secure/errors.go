package secure

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-knx/knx"
	"github.com/arloliu/go-knx/knxnetip"
)

// Envelope errors. All of them wrap knx.ErrSecure.
var (
	// ErrAuthentication indicates a message authentication code mismatch.
	ErrAuthentication = fmt.Errorf("secure: message authentication failed: %w", knx.ErrSecure)
	// ErrSequence indicates a replayed, stale or out-of-order sequence number.
	ErrSequence = fmt.Errorf("secure: unexpected sequence number: %w", knx.ErrSecure)
	// ErrSessionID indicates a secure wrapper belonging to another session.
	ErrSessionID = fmt.Errorf("secure: session id mismatch: %w", knx.ErrSecure)
	// ErrSequenceExhausted indicates the 48-bit send sequence number space is used up.
	ErrSequenceExhausted = fmt.Errorf("secure: sequence number exhausted: %w", knx.ErrSecure)
)

// Session errors.
var (
	// ErrNoSession indicates no session key was derived yet.
	ErrNoSession = errors.New("secure: no session established")
	// ErrSessionInUse indicates Setup was called on a session that already left the idle state.
	ErrSessionInUse = errors.New("secure: session setup already started")
	// ErrSessionClosed indicates the server or client ended an established session.
	ErrSessionClosed = fmt.Errorf("secure: session closed: %w", knx.ErrSecure)
)

// StatusError reports a non-success session status received from the server.
type StatusError struct {
	Status knxnetip.SecureStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("secure: session status %d (%s)", byte(e.Status), e.Status)
}

// Unwrap returns knx.ErrSecure.
func (e *StatusError) Unwrap() error {
	return knx.ErrSecure
}
