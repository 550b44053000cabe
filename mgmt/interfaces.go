package mgmt

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/arloliu/go-knx/knx"
)

// DestinationState is the state of a transport layer connection to a destination.
type DestinationState int

// Destination states.
const (
	DestinationNotConnected DestinationState = iota
	DestinationConnected
	DestinationDisconnected
)

// Endpoint identifies the side that closed a transport layer connection.
type Endpoint int

// Connection endpoints.
const (
	NoEndpoint Endpoint = iota
	LocalEndpoint
	RemoteEndpoint
)

// Destination is a remote endpoint for connection-oriented communication, owned by the transport layer.
type Destination interface {
	// Address returns the individual address of the remote endpoint.
	Address() knx.IndividualAddress
	// State returns the current connection state.
	State() DestinationState
	// DisconnectedBy returns the endpoint that closed the last connection, or NoEndpoint.
	DisconnectedBy() Endpoint
}

// DestinationOptions configures a destination created by the transport layer.
type DestinationOptions struct {
	// KeepAlive keeps the connection open instead of closing it after the disconnect timeout.
	KeepAlive bool
	// VerifyByServer expects the remote device to answer memory writes with the written data.
	VerifyByServer bool
}

// TransportListener receives transport layer events.
//
// Disconnected is invoked by the transport layer goroutine whenever a connection to dst is closed.
type TransportListener interface {
	Disconnected(dst Destination)
}

// TransportLayer is the KNX transport layer with connection-oriented destinations.
type TransportLayer interface {
	// Destination returns the existing destination for addr, or nil.
	Destination(addr knx.IndividualAddress) Destination
	// CreateDestination creates a connection-oriented destination for addr.
	CreateDestination(addr knx.IndividualAddress, opts DestinationOptions) (Destination, error)
	// DestroyDestination disconnects and removes dst.
	DestroyDestination(dst Destination)
	// Connect opens the transport layer connection to dst.
	Connect(ctx context.Context, dst Destination) error
	// AddTransportListener registers l for transport layer events.
	AddTransportListener(l TransportListener)
	// RemoveTransportListener unregisters l.
	RemoveTransportListener(l TransportListener)
	// Medium returns the medium of the attached network link.
	Medium() knx.Medium
}

// EraseCode selects the erase action of a master reset.
type EraseCode byte

// Erase codes of the restart service.
const (
	EraseConfirmedRestart       EraseCode = 1
	EraseFactoryReset           EraseCode = 2
	EraseResetIndividualAddress EraseCode = 3
	EraseResetApplication       EraseCode = 4
	EraseResetParameters        EraseCode = 5
	EraseResetLinks             EraseCode = 6
	EraseFactoryResetWithoutIA  EraseCode = 7
)

// ManagementClient provides the application layer management services.
//
// Requests wait at most ResponseTimeout for the response of the remote device, and a missing response
// is reported as an error wrapping knx.ErrTimeout. A connection closed during a request is reported as
// knx.ErrDisconnect, a negative response of the device as knx.ErrRemote.
//
// The Locker serializes procedures that change the response timeout of the client.
type ManagementClient interface {
	sync.Locker

	// ResponseTimeout returns the time a request waits for its response.
	ResponseTimeout() time.Duration
	// SetResponseTimeout sets the time a request waits for its response.
	SetResponseTimeout(d time.Duration)

	// ReadAddress reads the individual addresses of devices in programming mode. With oneAddressOnly
	// set, it returns after the first response.
	ReadAddress(ctx context.Context, oneAddressOnly bool) ([]knx.IndividualAddress, error)
	// WriteAddress broadcasts addr to devices in programming mode.
	WriteAddress(ctx context.Context, addr knx.IndividualAddress) error
	// ReadAddressBySerial reads the individual address of the device with serial number sn.
	ReadAddressBySerial(ctx context.Context, sn knx.SerialNumber) (knx.IndividualAddress, error)
	// WriteAddressBySerial writes the individual address of the device with serial number sn.
	WriteAddressBySerial(ctx context.Context, sn knx.SerialNumber, addr knx.IndividualAddress) error
	// ReadDomainAddress reads domain addresses of devices in programming mode, calling fn per response.
	ReadDomainAddress(ctx context.Context, fn func(addr knx.IndividualAddress, domain []byte)) error
	// WriteDomainAddress writes the domain address of the device with serial number sn.
	WriteDomainAddress(ctx context.Context, sn knx.SerialNumber, domain []byte) error

	// ReadDeviceDesc reads the device descriptor of the given type.
	ReadDeviceDesc(ctx context.Context, dst Destination, descType int) ([]byte, error)
	// Restart performs a basic restart of the device.
	Restart(ctx context.Context, dst Destination) error
	// RestartWithErase performs a master reset and returns the time the device needs to restart.
	RestartWithErase(ctx context.Context, dst Destination, code EraseCode, channel int) (time.Duration, error)

	// ReadMemory reads n bytes of device memory starting at addr.
	ReadMemory(ctx context.Context, dst Destination, addr uint32, n int) ([]byte, error)
	// WriteMemory writes data into device memory starting at addr.
	WriteMemory(ctx context.Context, dst Destination, addr uint32, data []byte) error

	// ReadProperty reads elems property elements, starting at start, of the interface object at objIndex.
	ReadProperty(ctx context.Context, dst Destination, objIndex, pid, start, elems int) ([]byte, error)
	// ReadPropertyAll is ReadProperty collecting the responses of all answering devices until the
	// response timeout elapses.
	ReadPropertyAll(ctx context.Context, dst Destination, objIndex, pid, start, elems int) ([][]byte, error)
	// WriteProperty writes property elements of the interface object at objIndex.
	WriteProperty(ctx context.Context, dst Destination, objIndex, pid, start, elems int, data []byte) error
	// WriteTypedProperty writes property elements of an interface object addressed by type and instance.
	WriteTypedProperty(ctx context.Context, dst Destination, objType, objInstance, pid, start, elems int, data []byte) error
	// ReadPropertyDesc reads the description of a property.
	ReadPropertyDesc(ctx context.Context, dst Destination, objIndex, pid, propIndex int) ([]byte, error)
	// CallFunctionProperty invokes a function property and returns the result data.
	CallFunctionProperty(ctx context.Context, dst Destination, objType, objInstance, pid int, service byte, data ...byte) ([]byte, error)
	// ReadSystemNetworkParameter broadcasts a network parameter read and returns the test results of
	// all responses.
	ReadSystemNetworkParameter(ctx context.Context, objType, pid int, operand byte) ([][]byte, error)

	// SecureApplicationLayer returns the secure application layer of the client, or nil if the
	// client does not support KNX Data Secure.
	SecureApplicationLayer() SecureApplicationLayer
}

// BroadcastKey is a temporary key installed by a broadcast key synchronization.
// Close removes the key from the secure application layer.
type BroadcastKey interface {
	io.Closer
}

// KeyRequest is a pending broadcast synchronization request.
type KeyRequest interface {
	// Wait blocks until the device answered the request. A request without response returns an
	// error wrapping knx.ErrTimeout.
	Wait(ctx context.Context) (BroadcastKey, error)
}

// SecureApplicationLayer is the KNX Data Secure application layer of a management client.
type SecureApplicationLayer interface {
	// BroadcastSyncRequest sends a synchronization request to the device with serial number sn,
	// secured with key.
	BroadcastSyncRequest(ctx context.Context, sn knx.SerialNumber, key []byte, toolAccess, systemBroadcast bool) (KeyRequest, error)
	// ToolKeys returns the tool key store used for secured device access.
	ToolKeys() *ToolKeys
}
