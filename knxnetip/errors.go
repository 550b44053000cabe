package knxnetip

import "errors"

// ErrInvalidTransition indicates an invalid connection state transition.
var ErrInvalidTransition = errors.New("knxnetip: invalid state transition")

// ErrTaskManagerStopped indicates a task was started after the task manager was stopped.
var ErrTaskManagerStopped = errors.New("knxnetip: task manager already stopped")
