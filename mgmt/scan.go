package mgmt

import (
	"context"
	"fmt"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/arloliu/go-knx/knx"
)

// scanAction is what a scan does with a discovered address.
type scanAction interface {
	accept(addr knx.IndividualAddress)
}

// collectAction adds discovered addresses to a set.
type collectAction struct {
	found *xsync.MapOf[knx.IndividualAddress, struct{}]
}

func (a collectAction) accept(addr knx.IndividualAddress) {
	a.found.Store(addr, struct{}{})
}

func (a collectAction) addresses() []knx.IndividualAddress {
	addrs := make([]knx.IndividualAddress, 0, a.found.Size())
	a.found.Range(func(addr knx.IndividualAddress, _ struct{}) bool {
		addrs = append(addrs, addr)
		return true
	})
	slices.Sort(addrs)

	return addrs
}

// forwardAction passes discovered addresses to a callback.
type forwardAction func(addr knx.IndividualAddress)

func (a forwardAction) accept(addr knx.IndividualAddress) {
	a(addr)
}

// scanListener detects devices by remote initiated disconnects. Routers are accepted if routers is
// set, other devices otherwise.
type scanListener struct {
	routers bool
	action  scanAction
}

func (l *scanListener) Disconnected(dst Destination) {
	if dst.DisconnectedBy() != RemoteEndpoint {
		return
	}

	addr := dst.Address()
	if (addr.Device() == 0) == l.routers {
		l.action.accept(addr)
	}
}

// ScanNetworkRouters returns the addresses of all routers, the devices at x.y.0, answering a
// connect request.
func (p *Procedures) ScanNetworkRouters(ctx context.Context) ([]knx.IndividualAddress, error) {
	addrs := make([]knx.IndividualAddress, 0, 256)
	for addr := 0; addr <= 0xff00; addr += 0x0100 {
		addrs = append(addrs, knx.IndividualAddress(addr))
	}

	action := collectAction{found: xsync.NewMapOf[knx.IndividualAddress, struct{}]()}
	if err := p.scanAddresses(ctx, addrs, true, action, false); err != nil {
		return nil, err
	}

	return action.addresses(), nil
}

// ScanNetworkDevices returns the addresses of all devices on line area.line answering a connect request.
func (p *Procedures) ScanNetworkDevices(ctx context.Context, area, line int) ([]knx.IndividualAddress, error) {
	addrs, err := lineAddresses(area, line)
	if err != nil {
		return nil, err
	}

	action := collectAction{found: xsync.NewMapOf[knx.IndividualAddress, struct{}]()}
	if err := p.scanAddresses(ctx, addrs, false, action, false); err != nil {
		return nil, err
	}

	return action.addresses(), nil
}

// ScanNetworkDevicesFunc scans line area.line like ScanNetworkDevices, calling fn for every device
// as soon as it is detected. Connect timeouts of single addresses are logged and skipped.
//
// fn is invoked by the transport layer goroutine.
func (p *Procedures) ScanNetworkDevicesFunc(ctx context.Context, area, line int, fn func(addr knx.IndividualAddress)) error {
	if fn == nil {
		return fmt.Errorf("%w: device callback is nil", knx.ErrIllegalArgument)
	}

	addrs, err := lineAddresses(area, line)
	if err != nil {
		return err
	}

	return p.scanAddresses(ctx, addrs, false, forwardAction(fn), true)
}

func lineAddresses(area, line int) ([]knx.IndividualAddress, error) {
	if area < 0 || area > 0xf {
		return nil, fmt.Errorf("%w: area %d out of range [0..0xf]", knx.ErrIllegalArgument, area)
	}
	if line < 0 || line > 0xf {
		return nil, fmt.Errorf("%w: line %d out of range [0..0xf]", knx.ErrIllegalArgument, line)
	}

	addrs := make([]knx.IndividualAddress, 0, 256)
	for device := 0; device <= 0xff; device++ {
		addr, _ := knx.NewIndividualAddress(area, line, device)
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// scanAddresses connects to every address, paced by the scan pacing, and waits for late disconnects
// before the listener is removed and the created destinations are destroyed.
func (p *Procedures) scanAddresses(ctx context.Context, addrs []knx.IndividualAddress, routers bool, action scanAction, skipTimeouts bool) error {
	sc := &scope{}
	defer sc.close()

	listener := &scanListener{routers: routers, action: action}
	p.tl.AddTransportListener(listener)
	defer p.tl.RemoveTransportListener(listener)

	limiter := rate.NewLimiter(rate.Every(p.scanPacing), 1)
	for _, addr := range addrs {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", knx.ErrInterrupted, err)
		}

		dst, err := p.getOrCreate(sc, addr, DestinationOptions{KeepAlive: true})
		if err != nil {
			return err
		}

		if err := p.tl.Connect(ctx, dst); err != nil {
			if skipTimeouts && isTimeout(err) {
				p.logger.Info("connect timeout during address scan", "method", "scanAddresses", "address", addr)
				continue
			}

			return fmt.Errorf("mgmt: scan connect %s: %w", addr, err)
		}
	}

	return sleep(ctx, p.scanWait)
}
