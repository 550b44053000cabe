package mgmt

import (
	"context"
	"errors"
	"fmt"

	"github.com/arloliu/go-knx/knx"
)

// WriteDomainAddress writes the domain address of the device with serial number sn.
//
// IP system broadcast is enabled on the given KNX IP routers for the duration of the procedure, a
// router failing to enable it is logged and skipped. The address is written at most twice, each
// write followed by the settle delay, the routing synchronization delay for 4 and 21 byte domain
// addresses of open media, and a verifying address read of the device.
func (p *Procedures) WriteDomainAddress(ctx context.Context, sn knx.SerialNumber, domain []byte, routers []knx.IndividualAddress) error {
	sc := &scope{}
	defer sc.close()

	for _, router := range routers {
		if err := p.enableSystemBroadcast(ctx, sc, router); err != nil {
			return err
		}
	}

	for range 2 {
		if err := p.mc.WriteDomainAddress(ctx, sn, domain); err != nil {
			return fmt.Errorf("mgmt: write domain address of %s: %w", sn, err)
		}
		if err := sleep(ctx, p.settleDelay); err != nil {
			return err
		}
		if len(domain) == 4 || len(domain) == 21 {
			if err := sleep(ctx, p.routingSyncDelay); err != nil {
				return err
			}
		}

		_, err := p.mc.ReadAddressBySerial(ctx, sn)
		if err == nil {
			return nil
		}
		if !isTimeout(err) {
			return fmt.Errorf("mgmt: verify domain address of %s: %w", sn, err)
		}
		if err := sleep(ctx, p.settleDelay); err != nil {
			return err
		}
	}

	p.logger.Warn("device did not confirm domain address", "method", "WriteDomainAddress", "serial", sn)

	return nil
}

// enableSystemBroadcast enables IP system broadcast on router and registers disabling it with sc.
func (p *Procedures) enableSystemBroadcast(ctx context.Context, sc *scope, router knx.IndividualAddress) error {
	dst, err := p.getOrCreate(sc, router, DestinationOptions{})
	if err != nil {
		return err
	}

	_, err = p.mc.CallFunctionProperty(ctx, dst, routerObjectType, 1, pidIPSbcControl, 0, 1)
	if err != nil {
		if errors.Is(err, knx.ErrDisconnect) || errors.Is(err, knx.ErrRemote) {
			p.logger.Warn("failed to enable IP system broadcast", "method", "WriteDomainAddress", "router", router, "error", err)
			return nil
		}

		return fmt.Errorf("mgmt: enable IP system broadcast on %s: %w", router, err)
	}

	sc.add(func() {
		_, err := p.mc.CallFunctionProperty(context.WithoutCancel(ctx), dst, routerObjectType, 1, pidIPSbcControl, 0, 0)
		if err != nil {
			p.logger.Debug("failed to disable IP system broadcast", "router", router, "error", err)
		}
	})

	return nil
}
