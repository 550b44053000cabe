package tunnel

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-knx/knx"
)

// Configuration errors.
var (
	// ErrConnConfigNil indicates an option applied to a nil configuration.
	ErrConnConfigNil = errors.New("tunnel: connection config is nil")
)

// Connection errors.
var (
	// ErrAlreadyOpen indicates Open was called on a connection that is connecting or connected.
	ErrAlreadyOpen = errors.New("tunnel: connection already open")
	// ErrNotConnected indicates a send on a connection that is not connected.
	ErrNotConnected = fmt.Errorf("tunnel: not connected: %w", knx.ErrLinkClosed)
	// ErrConnectRejected indicates the server refused the connect request.
	ErrConnectRejected = fmt.Errorf("tunnel: connect request rejected: %w", knx.ErrRemote)
	// ErrAckStatus indicates the server acknowledged a tunneling request with an error status.
	ErrAckStatus = fmt.Errorf("tunnel: tunneling request not accepted: %w", knx.ErrRemote)
)
