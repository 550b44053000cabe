package knx

import (
	"context"
	"errors"
	"fmt"
)

// Transport and protocol errors.
var (
	// ErrTimeout indicates no response arrived within the response timeout.
	ErrTimeout = errors.New("knx: timeout")
	// ErrFormat indicates a malformed frame or data structure.
	ErrFormat = errors.New("knx: invalid format")
	// ErrDisconnect indicates the remote endpoint closed or refused a transport connection.
	ErrDisconnect = errors.New("knx: disconnected")
	// ErrLinkClosed indicates the link or connection was already closed.
	ErrLinkClosed = errors.New("knx: link closed")
)

// Application and procedure errors.
var (
	// ErrRemote indicates the remote device answered with an error or inconsistent data.
	ErrRemote = errors.New("knx: remote device error")
	// ErrSecure indicates a failure in secure session establishment or decryption.
	ErrSecure = errors.New("knx: secure communication error")
	// ErrIllegalArgument indicates an invalid parameter passed by the caller.
	ErrIllegalArgument = errors.New("knx: illegal argument")
	// ErrInterrupted indicates a blocking operation was cancelled through its context.
	ErrInterrupted = errors.New("knx: interrupted")
)

// Interrupted returns an error wrapping both ErrInterrupted and the cause of the cancelled context.
//
// It returns nil if ctx is not done.
func Interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
}

// IsInterrupted reports whether err signals a cancelled operation.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled)
}
