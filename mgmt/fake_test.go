package mgmt

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/arloliu/go-knx/knx"
)

var errTimeout = fmt.Errorf("no response: %w", knx.ErrTimeout)

// --- Transport layer ---

type fakeDestination struct {
	addr knx.IndividualAddress
	opts DestinationOptions

	mu    sync.Mutex
	state DestinationState
	by    Endpoint
}

func (d *fakeDestination) Address() knx.IndividualAddress { return d.addr }

func (d *fakeDestination) State() DestinationState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

func (d *fakeDestination) DisconnectedBy() Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.by
}

func (d *fakeDestination) disconnect(by Endpoint) {
	d.mu.Lock()
	d.state = DestinationDisconnected
	d.by = by
	d.mu.Unlock()
}

type fakeTransport struct {
	medium knx.Medium

	// remote and local hold the addresses closing a connect with a remote or local disconnect.
	remote     map[knx.IndividualAddress]bool
	local      map[knx.IndividualAddress]bool
	connectErr map[knx.IndividualAddress]error

	mu        sync.Mutex
	dests     map[knx.IndividualAddress]*fakeDestination
	listeners []TransportListener
	created   []knx.IndividualAddress
	destroyed []knx.IndividualAddress
	connected []knx.IndividualAddress
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		medium:     knx.MediumTP1,
		remote:     map[knx.IndividualAddress]bool{},
		local:      map[knx.IndividualAddress]bool{},
		connectErr: map[knx.IndividualAddress]error{},
		dests:      map[knx.IndividualAddress]*fakeDestination{},
	}
}

func (tl *fakeTransport) Destination(addr knx.IndividualAddress) Destination {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if d, ok := tl.dests[addr]; ok {
		return d
	}

	return nil
}

func (tl *fakeTransport) CreateDestination(addr knx.IndividualAddress, opts DestinationOptions) (Destination, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if _, ok := tl.dests[addr]; ok {
		return nil, fmt.Errorf("destination %s exists", addr)
	}
	d := &fakeDestination{addr: addr, opts: opts}
	tl.dests[addr] = d
	tl.created = append(tl.created, addr)

	return d, nil
}

func (tl *fakeTransport) DestroyDestination(dst Destination) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	delete(tl.dests, dst.Address())
	tl.destroyed = append(tl.destroyed, dst.Address())
}

func (tl *fakeTransport) Connect(_ context.Context, dst Destination) error {
	addr := dst.Address()

	tl.mu.Lock()
	tl.connected = append(tl.connected, addr)
	listeners := slices.Clone(tl.listeners)
	tl.mu.Unlock()

	if err := tl.connectErr[addr]; err != nil {
		return err
	}

	d, _ := dst.(*fakeDestination)
	switch {
	case tl.remote[addr]:
		d.disconnect(RemoteEndpoint)
	case tl.local[addr]:
		d.disconnect(LocalEndpoint)
	default:
		return nil
	}
	for _, l := range listeners {
		l.Disconnected(d)
	}

	return nil
}

func (tl *fakeTransport) AddTransportListener(l TransportListener) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.listeners = append(tl.listeners, l)
}

func (tl *fakeTransport) RemoveTransportListener(l TransportListener) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.listeners = slices.DeleteFunc(tl.listeners, func(x TransportListener) bool { return x == l })
}

func (tl *fakeTransport) Medium() knx.Medium { return tl.medium }

// openDestinations returns the addresses of destinations not destroyed.
func (tl *fakeTransport) openDestinations() []knx.IndividualAddress {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	addrs := make([]knx.IndividualAddress, 0, len(tl.dests))
	for addr := range tl.dests {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)

	return addrs
}

func (tl *fakeTransport) listenerCount() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	return len(tl.listeners)
}

// --- Management client ---

type memCall struct {
	addr uint32
	data []byte
	n    int
}

type propCall struct {
	addr knx.IndividualAddress
	obj  int
	pid  int
	data []byte
}

type fakeClient struct {
	sync.Mutex // client lock used by the procedures

	readAddressFn  func(oneAddressOnly bool) ([]knx.IndividualAddress, error)
	deviceDescFn   func(dst Destination) ([]byte, error)
	bySerialFn     func(sn knx.SerialNumber) (knx.IndividualAddress, error)
	readDomainFn   func(fn func(knx.IndividualAddress, []byte)) error
	readPropertyFn func(pid int) ([]byte, error)
	readAllFn      func() ([][]byte, error)
	writePropErr   error
	funcPropFn     func(dst Destination, pid int, data []byte) error
	sysNetworkFn   func() ([][]byte, error)
	corruptRead    bool
	sal            SecureApplicationLayer

	rec           sync.Mutex
	timeout       time.Duration
	timeouts      []time.Duration
	locked        atomic.Bool
	addrWrites    []knx.IndividualAddress
	serialWrites  []knx.IndividualAddress
	domainWrites  [][]byte
	descReads     int
	restarts      []knx.IndividualAddress
	erases        []EraseCode
	memory        []byte
	memReads      []memCall
	memWrites     []memCall
	propWrites    []propCall
	funcPropCalls []propCall
}

func newFakeClient() *fakeClient {
	return &fakeClient{timeout: 5 * time.Second, memory: make([]byte, 0x10000)}
}

func (c *fakeClient) Lock() {
	c.Mutex.Lock()
	c.locked.Store(true)
}

func (c *fakeClient) Unlock() {
	c.locked.Store(false)
	c.Mutex.Unlock()
}

func (c *fakeClient) ResponseTimeout() time.Duration {
	c.rec.Lock()
	defer c.rec.Unlock()

	return c.timeout
}

func (c *fakeClient) SetResponseTimeout(d time.Duration) {
	c.rec.Lock()
	defer c.rec.Unlock()

	c.timeout = d
	c.timeouts = append(c.timeouts, d)
}

func (c *fakeClient) ReadAddress(_ context.Context, oneAddressOnly bool) ([]knx.IndividualAddress, error) {
	if c.readAddressFn == nil {
		return nil, errTimeout
	}

	return c.readAddressFn(oneAddressOnly)
}

func (c *fakeClient) WriteAddress(_ context.Context, addr knx.IndividualAddress) error {
	c.rec.Lock()
	defer c.rec.Unlock()

	c.addrWrites = append(c.addrWrites, addr)

	return nil
}

func (c *fakeClient) ReadAddressBySerial(_ context.Context, sn knx.SerialNumber) (knx.IndividualAddress, error) {
	if c.bySerialFn != nil {
		return c.bySerialFn(sn)
	}

	c.rec.Lock()
	defer c.rec.Unlock()

	if len(c.serialWrites) == 0 {
		return 0, errTimeout
	}

	return c.serialWrites[len(c.serialWrites)-1], nil
}

func (c *fakeClient) WriteAddressBySerial(_ context.Context, _ knx.SerialNumber, addr knx.IndividualAddress) error {
	c.rec.Lock()
	defer c.rec.Unlock()

	c.serialWrites = append(c.serialWrites, addr)

	return nil
}

func (c *fakeClient) ReadDomainAddress(_ context.Context, fn func(knx.IndividualAddress, []byte)) error {
	if c.readDomainFn == nil {
		return errTimeout
	}

	return c.readDomainFn(fn)
}

func (c *fakeClient) WriteDomainAddress(_ context.Context, _ knx.SerialNumber, domain []byte) error {
	c.rec.Lock()
	defer c.rec.Unlock()

	c.domainWrites = append(c.domainWrites, domain)

	return nil
}

func (c *fakeClient) ReadDeviceDesc(_ context.Context, dst Destination, _ int) ([]byte, error) {
	c.rec.Lock()
	c.descReads++
	c.rec.Unlock()

	if c.deviceDescFn == nil {
		return []byte{0x07, 0x01}, nil
	}

	return c.deviceDescFn(dst)
}

func (c *fakeClient) Restart(_ context.Context, dst Destination) error {
	c.rec.Lock()
	defer c.rec.Unlock()

	c.restarts = append(c.restarts, dst.Address())

	return nil
}

func (c *fakeClient) RestartWithErase(_ context.Context, dst Destination, code EraseCode, _ int) (time.Duration, error) {
	c.rec.Lock()
	defer c.rec.Unlock()

	c.restarts = append(c.restarts, dst.Address())
	c.erases = append(c.erases, code)

	return 0, nil
}

func (c *fakeClient) ReadMemory(_ context.Context, _ Destination, addr uint32, n int) ([]byte, error) {
	c.rec.Lock()
	defer c.rec.Unlock()

	c.memReads = append(c.memReads, memCall{addr: addr, n: n})
	data := slices.Clone(c.memory[addr : int(addr)+n])
	if c.corruptRead && len(data) > 0 {
		data[len(data)-1] ^= 0xff
	}

	return data, nil
}

func (c *fakeClient) WriteMemory(_ context.Context, _ Destination, addr uint32, data []byte) error {
	c.rec.Lock()
	defer c.rec.Unlock()

	c.memWrites = append(c.memWrites, memCall{addr: addr, data: slices.Clone(data), n: len(data)})
	copy(c.memory[addr:], data)

	return nil
}

func (c *fakeClient) ReadProperty(_ context.Context, _ Destination, _, pid, _, _ int) ([]byte, error) {
	if c.readPropertyFn == nil {
		return nil, errTimeout
	}

	return c.readPropertyFn(pid)
}

func (c *fakeClient) ReadPropertyAll(_ context.Context, _ Destination, _, _, _, _ int) ([][]byte, error) {
	if c.readAllFn == nil {
		return nil, errTimeout
	}

	return c.readAllFn()
}

func (c *fakeClient) WriteProperty(_ context.Context, dst Destination, objIndex, pid, _, _ int, data []byte) error {
	c.rec.Lock()
	defer c.rec.Unlock()

	c.propWrites = append(c.propWrites, propCall{addr: dst.Address(), obj: objIndex, pid: pid, data: slices.Clone(data)})

	return c.writePropErr
}

func (c *fakeClient) WriteTypedProperty(_ context.Context, dst Destination, objType, _, pid, _, _ int, data []byte) error {
	c.rec.Lock()
	defer c.rec.Unlock()

	c.propWrites = append(c.propWrites, propCall{addr: dst.Address(), obj: objType, pid: pid, data: slices.Clone(data)})

	return nil
}

func (c *fakeClient) ReadPropertyDesc(_ context.Context, _ Destination, _, _, _ int) ([]byte, error) {
	return []byte{0x00, 0x0e, 0x11, 0x00, 0x01, 0x31}, nil
}

func (c *fakeClient) CallFunctionProperty(_ context.Context, dst Destination, objType, _, pid int, _ byte, data ...byte) ([]byte, error) {
	c.rec.Lock()
	c.funcPropCalls = append(c.funcPropCalls, propCall{addr: dst.Address(), obj: objType, pid: pid, data: slices.Clone(data)})
	c.rec.Unlock()

	if c.funcPropFn != nil {
		return nil, c.funcPropFn(dst, pid, data)
	}

	return []byte{0}, nil
}

func (c *fakeClient) ReadSystemNetworkParameter(_ context.Context, _, _ int, _ byte) ([][]byte, error) {
	if c.sysNetworkFn == nil {
		return nil, errTimeout
	}

	return c.sysNetworkFn()
}

func (c *fakeClient) SecureApplicationLayer() SecureApplicationLayer {
	return c.sal
}

// --- Secure application layer ---

type mockSAL struct {
	mock.Mock
	keys *ToolKeys
}

func newMockSAL() *mockSAL {
	return &mockSAL{keys: NewToolKeys()}
}

func (m *mockSAL) BroadcastSyncRequest(_ context.Context, sn knx.SerialNumber, key []byte, toolAccess, systemBroadcast bool) (KeyRequest, error) {
	args := m.Called(sn, key, toolAccess, systemBroadcast)
	req, _ := args.Get(0).(KeyRequest)

	return req, args.Error(1)
}

func (m *mockSAL) ToolKeys() *ToolKeys {
	return m.keys
}

type fakeKeyRequest struct {
	key BroadcastKey
	err error
}

func (r fakeKeyRequest) Wait(context.Context) (BroadcastKey, error) {
	return r.key, r.err
}

type fakeKey struct {
	closed atomic.Int32
}

func (k *fakeKey) Close() error {
	k.closed.Add(1)
	return nil
}

func newTestProcedures(tl TransportLayer, mc ManagementClient, opts ...Option) *Procedures {
	opts = append([]Option{
		WithScanPacing(time.Microsecond),
		WithScanDisconnectWait(0),
		WithDomainDelays(0, 0),
	}, opts...)

	p, err := New(tl, mc, opts...)
	if err != nil {
		panic(err)
	}

	return p
}
