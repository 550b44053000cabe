package mgmt

import (
	"context"
	"fmt"

	"github.com/arloliu/go-knx/knx"
)

// memAddrProgMode is the device memory address holding the programming mode byte.
const memAddrProgMode = 0x60

// SetProgrammingMode switches the programming mode of the device at addr.
//
// The programming mode property is written first. If that fails, the programming mode byte in
// device memory is updated instead.
func (p *Procedures) SetProgrammingMode(ctx context.Context, addr knx.IndividualAddress, on bool) error {
	sc := &scope{}
	defer sc.close()

	dst, err := p.getOrCreate(sc, addr, DestinationOptions{})
	if err != nil {
		return err
	}

	var value byte
	if on {
		value = 1
	}
	err = p.mc.WriteProperty(ctx, dst, deviceObjectIndex, pidProgMode, 1, 1, []byte{value})
	if err == nil {
		return nil
	}
	if knx.IsInterrupted(err) {
		return err
	}
	p.logger.Warn("setting programming mode via property failed, trying via memory",
		"method", "SetProgrammingMode", "address", addr, "error", err)

	mem, err := p.mc.ReadMemory(ctx, dst, memAddrProgMode, 1)
	if err != nil {
		return fmt.Errorf("mgmt: read programming mode of %s: %w", addr, err)
	}
	if len(mem) != 1 {
		return fmt.Errorf("%w: programming mode read returned %d bytes", knx.ErrRemote, len(mem))
	}

	if err := p.mc.WriteMemory(ctx, dst, memAddrProgMode, []byte{progModeByte(mem[0], on)}); err != nil {
		return fmt.Errorf("mgmt: write programming mode of %s: %w", addr, err)
	}

	return nil
}

// progModeByte sets or clears the programming mode bit 0 of b, keeping bits 1 to 6.
// Bit 7 is set exactly if the low 7 bits have odd parity.
func progModeByte(b byte, on bool) byte {
	set := b & 0x7f
	if on {
		set |= 0x01
	} else {
		set &^= 0x01
	}
	if knx.OddParity(set) {
		set |= 0x80
	}

	return set
}
