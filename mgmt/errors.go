package mgmt

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-knx/knx"
)

var (
	// ErrUnknownDeviceKey indicates that neither the factory default setup key nor the tool key
	// synchronized with the device, which is either unknown or in ex-factory state.
	ErrUnknownDeviceKey = fmt.Errorf("mgmt: device with unknown key or in ex-factory state: %w", knx.ErrTimeout)

	// ErrNoSecureLayer indicates a secure procedure on a management client without secure application layer.
	ErrNoSecureLayer = errors.New("mgmt: management client has no secure application layer")

	// ErrOptionNil indicates an option applied to a nil Procedures.
	ErrOptionNil = errors.New("mgmt: procedures is nil")
)
