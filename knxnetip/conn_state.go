package knxnetip

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-knx/logger"
)

// ConnState represents the various stages of a KNXnet/IP tunnel connection.
type ConnState uint32

// KNXnet/IP connection states.
const (
	// NotConnectedState indicates that no tunnel connection exists.
	NotConnectedState ConnState = iota
	// ConnectingState indicates that the secure session setup or the connect request is in progress.
	ConnectingState
	// ConnectedState indicates that the tunnel is established and ready for data exchange.
	ConnectedState
)

// IsNotConnected returns if the current state is not connected.
func (cs ConnState) IsNotConnected() bool { return cs == NotConnectedState }

// IsConnecting returns if the current state is connecting.
func (cs ConnState) IsConnecting() bool { return cs == ConnectingState }

// IsConnected returns if the current state is connected.
func (cs ConnState) IsConnected() bool { return cs == ConnectedState }

// String returns string representation of the current state.
func (cs ConnState) String() string {
	switch cs {
	case NotConnectedState:
		return "not-connected"
	case ConnectingState:
		return "connecting"
	case ConnectedState:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnStateChangeHandler is invoked when the state of a connection changes.
//
// Note: the handler will be invoked in a blocking mode. Take care with long-running implementations.
type ConnStateChangeHandler func(prevState ConnState, newState ConnState)

// ConnStateMgr manages the connection state of a KNXnet/IP connection.
//
// It provides methods for managing state transitions and notifying listeners of state changes.
// The state transitions are thread safety in concurrent environments.
type ConnStateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []ConnStateChangeHandler
}

// NewConnStateMgr creates a new ConnStateMgr instance, initializing it to the NotConnectedState.
func NewConnStateMgr(l logger.Logger, handlers ...ConnStateChangeHandler) *ConnStateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	cs := &ConnStateMgr{
		logger:   l,
		handlers: append([]ConnStateChangeHandler(nil), handlers...),
	}
	cs.state.Store(uint32(NotConnectedState))
	cs.cond = sync.NewCond(&cs.mu)

	return cs
}

// State returns the current connection state.
func (cs *ConnStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// AddHandler adds one or more ConnStateChangeHandler functions to be invoked on state changes.
func (cs *ConnStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.handlers = append(cs.handlers, handlers...)
}

// WaitState waits for the connection state to reach the specified state or until the context is done.
// It returns nil if the desired state is reached, or an error if the context is canceled or times out.
func (cs *ConnStateMgr) WaitState(ctx context.Context, state ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.cond.Broadcast()
	})
	defer stopFunc()

	for cs.State() != state {
		if ctx.Err() != nil {
			cs.logger.Debug("wait connection state receive ctx done", "cur_state", cs.State(), "desired_state", state)
			return ctx.Err()
		}
		cs.cond.Wait()
	}

	return nil
}

// ToNotConnected transitions to NotConnectedState. It is allowed from any state.
//
// It returns false if the state already was NotConnectedState.
func (cs *ConnStateMgr) ToNotConnected() bool {
	return cs.transition(NotConnectedState, func(ConnState) bool { return true })
}

// ToConnecting transitions from NotConnectedState to ConnectingState.
func (cs *ConnStateMgr) ToConnecting() error {
	if !cs.transition(ConnectingState, ConnState.IsNotConnected) {
		return ErrInvalidTransition
	}

	return nil
}

// ToConnected transitions from ConnectingState to ConnectedState.
func (cs *ConnStateMgr) ToConnected() error {
	if !cs.transition(ConnectedState, ConnState.IsConnecting) {
		return ErrInvalidTransition
	}

	return nil
}

func (cs *ConnStateMgr) transition(newState ConnState, allowed func(ConnState) bool) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()
	if curState == newState || !allowed(curState) {
		return false
	}

	cs.state.Store(uint32(newState))
	cs.cond.Broadcast()

	cs.logger.Debug("connection state changed", "prev_state", curState, "new_state", newState)
	for _, handler := range cs.handlers {
		handler(curState, newState)
	}

	return true
}
