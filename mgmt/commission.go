package mgmt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-knx/knx"
)

// AssignDomainAndDeviceAddress commissions the single secure device in programming mode.
//
// The serial number of the device is looked up until maxLookup elapses; no device or more than one
// device in programming mode returns an error wrapping knx.ErrRemote. After the broadcast key
// synchronization the domain address is written on open media, the individual address is written
// by serial number, the key used is recorded in the tool key store and the security mode of the
// device is enabled. A device commissioned with its factory default setup key gets toolKey
// installed. The device is finally restarted.
//
// Device state applied before a failing step is not rolled back.
func (p *Procedures) AssignDomainAndDeviceAddress(ctx context.Context, domain []byte, addr knx.IndividualAddress, fdsk, toolKey []byte, maxLookup time.Duration) error {
	sal := p.mc.SecureApplicationLayer()
	if sal == nil {
		return ErrNoSecureLayer
	}

	sn, err := p.lookupSerialNumber(ctx, maxLookup)
	if err != nil {
		return err
	}

	openMedium := p.tl.Medium().IsOpen()
	res, err := SyncBroadcastKey(ctx, sal, sn, fdsk, toolKey, openMedium)
	if err != nil {
		return err
	}

	releaseKey := sync.OnceFunc(func() {
		if err := res.Key.Close(); err != nil {
			p.logger.Debug("failed to remove broadcast key", "serial", sn, "error", err)
		}
	})
	defer releaseKey()

	deviceKey := toolKey
	if res.UsedFDSK {
		deviceKey = fdsk
	}
	sal.ToolKeys().Put(addr, deviceKey)

	if openMedium {
		if err := p.WriteDomainAddress(ctx, sn, domain, nil); err != nil {
			return err
		}
	}
	if _, err := p.WriteAddressBySerial(ctx, sn, addr); err != nil {
		return err
	}
	releaseKey()

	sc := &scope{}
	defer sc.close()

	dst, err := p.getOrCreate(sc, addr, DestinationOptions{})
	if err != nil {
		return err
	}

	if _, err := p.mc.CallFunctionProperty(ctx, dst, securityObjectType, 1, pidSecurityMode, 0, 1); err != nil {
		return fmt.Errorf("mgmt: enable security mode of %s: %w", addr, err)
	}

	if res.UsedFDSK {
		if err := p.mc.WriteTypedProperty(ctx, dst, securityObjectType, 1, pidToolKey, 1, 1, toolKey); err != nil {
			return fmt.Errorf("mgmt: write tool key of %s: %w", addr, err)
		}
		sal.ToolKeys().Put(addr, toolKey)
	}

	if _, err := p.mc.RestartWithErase(ctx, dst, EraseConfirmedRestart, 0); err != nil {
		return fmt.Errorf("mgmt: restart %s: %w", addr, err)
	}
	p.logger.Info("device commissioned", "method", "AssignDomainAndDeviceAddress", "serial", sn, "address", addr)

	return nil
}

// lookupSerialNumber reads the serial numbers of devices in programming mode until one answers or
// maxLookup elapses.
func (p *Procedures) lookupSerialNumber(ctx context.Context, maxLookup time.Duration) (knx.SerialNumber, error) {
	deadline := time.Now().Add(maxLookup)

	var list [][]byte
	for time.Now().Before(deadline) && len(list) == 0 {
		if ctx.Err() != nil {
			return knx.SerialNumber{}, knx.Interrupted(ctx)
		}

		var err error
		list, err = p.mc.ReadSystemNetworkParameter(ctx, 0, pidSerialNumber, 1)
		if err != nil && !isTimeout(err) {
			return knx.SerialNumber{}, fmt.Errorf("mgmt: read serial numbers: %w", err)
		}
	}

	switch len(list) {
	case 1:
		return knx.SerialNumberFrom(list[0])
	case 0:
		return knx.SerialNumber{}, fmt.Errorf("%w: no devices in programming mode", knx.ErrRemote)
	default:
		return knx.SerialNumber{}, fmt.Errorf("%w: %d devices in programming mode", knx.ErrRemote, len(list))
	}
}

// ScanSerialNumbers returns the serial numbers of the devices on medium answering a broadcast serial
// number read within 7 seconds.
func (p *Procedures) ScanSerialNumbers(ctx context.Context, medium knx.Medium) ([]knx.SerialNumber, error) {
	addr, err := knx.NewIndividualAddress(0, int(medium), 0xff)
	if err != nil {
		return nil, err
	}

	sc := &scope{}
	defer sc.close()

	restore := p.lockTimeout(serialScanTimeout)
	defer restore()

	dst, err := p.getOrCreate(sc, addr, DestinationOptions{})
	if err != nil {
		return nil, err
	}

	list, err := p.mc.ReadPropertyAll(ctx, dst, deviceObjectIndex, pidSerialNumber, 1, 1)
	if err != nil {
		if isTimeout(err) {
			return []knx.SerialNumber{}, nil
		}

		return nil, err
	}

	serials := make([]knx.SerialNumber, 0, len(list))
	for _, data := range list {
		sn, err := knx.SerialNumberFrom(data)
		if err != nil {
			p.logger.Warn("drop invalid serial number", "method", "ScanSerialNumbers", "error", err)
			continue
		}
		serials = append(serials, sn)
	}

	return serials, nil
}
