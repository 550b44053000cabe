package mgmt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/arloliu/go-knx/internal/util"
	"github.com/arloliu/go-knx/knx"
)

const (
	// defaultAPDULength is used if the device does not provide its maximum APDU length.
	defaultAPDULength = 15
	// asduOverhead is the difference between APDU and ASDU length.
	asduOverhead = 3

	memBlockHeaderSize = 14
	memBlockCode       = 0x20
	memFlagStart       = 0x01
	memFlagVerify      = 0x02

	deviceControlVerify = 0x04
)

// ReadMemory reads n bytes of device memory starting at start, in chunks of the maximum ASDU
// length of the device.
func (p *Procedures) ReadMemory(ctx context.Context, addr knx.IndividualAddress, start int64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: bytes to read must not be negative", knx.ErrIllegalArgument)
	}
	if err := checkMemoryRange(start, int64(n)); err != nil {
		return nil, err
	}

	sc := &scope{}
	defer sc.close()

	dst, err := p.getOrCreate(sc, addr, DestinationOptions{})
	if err != nil {
		return nil, err
	}

	asduLen, err := p.maxASDULength(ctx, dst)
	if err != nil {
		return nil, err
	}

	data := make([]byte, n)
	for i := 0; i < n; i += asduLen {
		size := min(asduLen, n-i)
		chunkAddr := uint32(start) + uint32(i) //nolint:gosec

		chunk, err := p.mc.ReadMemory(ctx, dst, chunkAddr, size)
		if err != nil {
			return nil, fmt.Errorf("mgmt: read memory 0x%x of %s: %w", chunkAddr, addr, err)
		}
		if len(chunk) != size {
			return nil, fmt.Errorf("%w: read %d bytes at 0x%x, expected %d", knx.ErrRemote, len(chunk), chunkAddr, size)
		}
		copy(data[i:], chunk)
	}

	return data, nil
}

// WriteMemory writes data as memory block starting at start, in chunks of the maximum ASDU length
// of the device.
//
// With verifyWrite every chunk is read back and compared, a difference returns an error wrapping
// knx.ErrRemote before the next chunk is written. With verifyByServer the device control property
// of the device is set to answer writes with the written data. Both options are mutually exclusive.
func (p *Procedures) WriteMemory(ctx context.Context, addr knx.IndividualAddress, start int64, data []byte, verifyWrite, verifyByServer bool) error {
	if err := checkMemoryRange(start, memBlockHeaderSize+int64(len(data))); err != nil {
		return err
	}
	if verifyWrite && verifyByServer {
		return fmt.Errorf("%w: verify write and verify by server not both applicable", knx.ErrIllegalArgument)
	}

	sc := &scope{}
	defer sc.close()

	dst, err := p.getOrCreate(sc, addr, DestinationOptions{VerifyByServer: verifyByServer})
	if err != nil {
		return err
	}

	if verifyByServer {
		if err := p.enableServerVerify(ctx, dst); err != nil {
			return err
		}
	}

	block := memoryBlock(uint32(start), data, verifyWrite) //nolint:gosec
	asduLen, err := p.maxASDULength(ctx, dst)
	if err != nil {
		return err
	}

	for i := 0; i < len(block); i += asduLen {
		chunk := block[i:min(i+asduLen, len(block))]
		chunkAddr := uint32(start) + uint32(i) //nolint:gosec

		if err := p.mc.WriteMemory(ctx, dst, chunkAddr, chunk); err != nil {
			return fmt.Errorf("mgmt: write memory 0x%x of %s: %w", chunkAddr, addr, err)
		}

		if verifyWrite {
			read, err := p.mc.ReadMemory(ctx, dst, chunkAddr, len(chunk))
			if err != nil {
				return fmt.Errorf("mgmt: verify memory 0x%x of %s: %w", chunkAddr, addr, err)
			}
			if !bytes.Equal(read, chunk) {
				return fmt.Errorf("%w: verify failed at 0x%x (memory data differs)", knx.ErrRemote, chunkAddr)
			}
		}
	}

	return nil
}

// checkMemoryRange checks that n bytes starting at start fit into the 32 bit address space.
func checkMemoryRange(start, n int64) error {
	if start < 0 || start > math.MaxUint32 {
		return fmt.Errorf("%w: start address 0x%x is no 32 bit address", knx.ErrIllegalArgument, start)
	}
	if start+n > math.MaxUint32+1 {
		return fmt.Errorf("%w: memory range 0x%x+%d exceeds 32 bit address space", knx.ErrIllegalArgument, start, n)
	}

	return nil
}

// enableServerVerify sets the verify bit of the device control property.
func (p *Procedures) enableServerVerify(ctx context.Context, dst Destination) error {
	// the description read checks the property exists
	if _, err := p.mc.ReadPropertyDesc(ctx, dst, deviceObjectIndex, pidDeviceControl, 0); err != nil {
		return fmt.Errorf("mgmt: read device control description: %w", err)
	}

	ctrl, err := p.mc.ReadProperty(ctx, dst, deviceObjectIndex, pidDeviceControl, 1, 1)
	if err != nil {
		return fmt.Errorf("mgmt: read device control: %w", err)
	}
	if len(ctrl) == 0 {
		return fmt.Errorf("%w: empty device control property", knx.ErrRemote)
	}

	ctrl = util.CloneSlice(ctrl, 0)
	ctrl[0] |= deviceControlVerify
	if err := p.mc.WriteProperty(ctx, dst, deviceObjectIndex, pidDeviceControl, 1, 1, ctrl); err != nil {
		return fmt.Errorf("mgmt: write device control: %w", err)
	}

	return nil
}

// maxASDULength returns the maximum APDU length property of the device minus the ASDU overhead, or
// the default if the property is not readable.
func (p *Procedures) maxASDULength(ctx context.Context, dst Destination) (int, error) {
	data, err := p.mc.ReadProperty(ctx, dst, deviceObjectIndex, pidMaxAPDULength, 1, 1)
	if knx.IsInterrupted(err) {
		return 0, err
	}
	if err != nil || len(data) < 2 {
		return defaultAPDULength - asduOverhead, nil
	}

	apdu := int(binary.BigEndian.Uint16(data))
	if apdu <= asduOverhead {
		return defaultAPDULength - asduOverhead, nil
	}

	return apdu - asduOverhead, nil
}

// memoryBlock encodes data with the memory block header:
//
//	| 0    | 1     | 2..5                 | 6..9          | 10..13      | 14.. |
//	| code | flags | data block start (0) | start address | end address | data |
func memoryBlock(start uint32, data []byte, verify bool) []byte {
	flags := byte(memFlagStart)
	if verify {
		flags |= memFlagVerify
	}

	block := make([]byte, memBlockHeaderSize, memBlockHeaderSize+len(data))
	block[0] = memBlockCode
	block[1] = flags
	binary.BigEndian.PutUint32(block[2:], 0)
	binary.BigEndian.PutUint32(block[6:], start)
	binary.BigEndian.PutUint32(block[10:], start+uint32(len(data))) //nolint:gosec

	return append(block, data...)
}
