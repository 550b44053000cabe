package mgmt

import (
	"context"
	"errors"
	"fmt"

	"github.com/arloliu/go-knx/knx"
)

// ReadAddress returns the individual addresses of all devices in programming mode.
//
// No response within 3 seconds yields an empty list.
func (p *Procedures) ReadAddress(ctx context.Context) ([]knx.IndividualAddress, error) {
	restore := p.lockTimeout(broadcastTimeout)
	defer restore()

	addrs, err := p.mc.ReadAddress(ctx, false)
	if isTimeout(err) {
		return []knx.IndividualAddress{}, nil
	}

	return addrs, err
}

// ReadDomainAddress reads the domain addresses of all devices in programming mode, calling fn for
// every response received within 3 seconds.
func (p *Procedures) ReadDomainAddress(ctx context.Context, fn func(addr knx.IndividualAddress, domain []byte)) error {
	restore := p.lockTimeout(broadcastTimeout)
	defer restore()

	if err := p.mc.ReadDomainAddress(ctx, fn); err != nil && !isTimeout(err) {
		return err
	}

	return nil
}

// WriteAddress assigns addr to the single device in programming mode.
//
// It returns false without error if no device or more than one device is in programming mode, if
// the device in programming mode already has addr, or if another device answers at addr. After the
// write the device is verified at its new address and restarted.
func (p *Procedures) WriteAddress(ctx context.Context, addr knx.IndividualAddress) (bool, error) {
	exists, err := p.probe(ctx, addr)
	if err != nil {
		return false, err
	}

	sc := &scope{}
	defer sc.close()

	verify, err := p.getOrCreate(sc, addr, DestinationOptions{})
	if err != nil {
		return false, err
	}

	restore := p.lockTimeout(progModeTimeout)
	defer restore()

	setAddr := false
	count := 0
	for attempts := p.maxProgModeAttempts; count != 1 && attempts > 0; attempts-- {
		list, err := p.mc.ReadAddress(ctx, false)
		switch {
		case knx.IsInterrupted(err):
			return false, err
		case err != nil:
			if exists {
				p.logger.Warn("device exists but is not in programming mode, cancel writing address",
					"method", "WriteAddress", "address", addr)

				return false, nil
			}
		default:
			count = len(list)
			if count == 1 && list[0] != addr {
				setAddr = true
			}
		}
		p.logger.Info("devices in programming mode", "method", "WriteAddress", "count", count)
	}

	if !setAddr {
		return false, nil
	}

	if err := p.mc.WriteAddress(ctx, addr); err != nil {
		return false, fmt.Errorf("mgmt: write address %s: %w", addr, err)
	}
	if _, err := p.mc.ReadDeviceDesc(ctx, verify, 0); err != nil {
		return false, fmt.Errorf("mgmt: verify address %s: %w", addr, err)
	}
	if err := p.mc.Restart(ctx, verify); err != nil {
		return false, fmt.Errorf("mgmt: restart %s: %w", addr, err)
	}

	return true, nil
}

// probe reports whether a device answers a descriptor read at addr. A disconnect means the device
// exists without connection-oriented support and, like a timeout, is reported as not existing.
func (p *Procedures) probe(ctx context.Context, addr knx.IndividualAddress) (bool, error) {
	sc := &scope{}
	defer sc.close()

	dst, err := p.getOrCreate(sc, addr, DestinationOptions{})
	if err != nil {
		return false, err
	}

	_, err = p.mc.ReadDeviceDesc(ctx, dst, 0)
	switch {
	case err == nil:
		return true, nil
	case isTimeout(err), errors.Is(err, knx.ErrDisconnect):
		return false, nil
	default:
		return false, err
	}
}

// ResetAddress sets all devices in programming mode to the default address 0xffff, restarting them
// until no device answers an address read anymore.
func (p *Procedures) ResetAddress(ctx context.Context) error {
	sc := &scope{}
	defer sc.close()

	dst, err := p.getOrCreate(sc, knx.DefaultAddress, DestinationOptions{})
	if err != nil {
		return err
	}

	for {
		if err := p.mc.WriteAddress(ctx, knx.DefaultAddress); err != nil {
			return fmt.Errorf("mgmt: reset address: %w", err)
		}
		if err := p.mc.Restart(ctx, dst); err != nil {
			return fmt.Errorf("mgmt: restart: %w", err)
		}

		if _, err := p.mc.ReadAddress(ctx, true); err != nil {
			if isTimeout(err) {
				return nil
			}

			return err
		}
	}
}

// IsAddressOccupied reports whether a device answers at addr. A device closing the connection is
// reported as present.
func (p *Procedures) IsAddressOccupied(ctx context.Context, addr knx.IndividualAddress) (bool, error) {
	sc := &scope{}
	defer sc.close()

	dst, err := p.getOrCreate(sc, addr, DestinationOptions{})
	if err != nil {
		return false, err
	}

	_, err = p.mc.ReadDeviceDesc(ctx, dst, 0)
	switch {
	case err == nil:
		return true, nil
	case isTimeout(err):
		return false, nil
	case errors.Is(err, knx.ErrDisconnect):
		return dst.DisconnectedBy() == RemoteEndpoint, nil
	default:
		return false, err
	}
}

// ReadAddressBySerial reads the individual address of the device with serial number sn.
func (p *Procedures) ReadAddressBySerial(ctx context.Context, sn knx.SerialNumber) (knx.IndividualAddress, error) {
	return p.mc.ReadAddressBySerial(ctx, sn)
}

// WriteAddressBySerial writes addr to the device with serial number sn and reads it back.
//
// A device reporting back another address is logged and reported as false.
func (p *Procedures) WriteAddressBySerial(ctx context.Context, sn knx.SerialNumber, addr knx.IndividualAddress) (bool, error) {
	if err := p.mc.WriteAddressBySerial(ctx, sn, addr); err != nil {
		return false, fmt.Errorf("mgmt: write address of %s: %w", sn, err)
	}

	got, err := p.mc.ReadAddressBySerial(ctx, sn)
	if err != nil {
		return false, fmt.Errorf("mgmt: read back address of %s: %w", sn, err)
	}
	if got != addr {
		p.logger.Warn("device reported back another address", "method", "WriteAddressBySerial",
			"serial", sn, "address", addr, "reported", got)

		return false, nil
	}

	return true, nil
}
