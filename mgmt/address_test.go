package mgmt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-knx/knx"
)

func TestReadAddress(t *testing.T) {
	require := require.New(t)

	mc := newFakeClient()
	p := newTestProcedures(newFakeTransport(), mc)

	// no device in programming mode
	addrs, err := p.ReadAddress(context.Background())
	require.NoError(err)
	require.Empty(addrs)
	require.NotNil(addrs)
	require.Equal([]time.Duration{3 * time.Second, 5 * time.Second}, mc.timeouts)

	mc.readAddressFn = func(bool) ([]knx.IndividualAddress, error) {
		require.True(mc.locked.Load())
		return []knx.IndividualAddress{ia(1, 1, 1)}, nil
	}
	addrs, err = p.ReadAddress(context.Background())
	require.NoError(err)
	require.Equal([]knx.IndividualAddress{ia(1, 1, 1)}, addrs)
	require.False(mc.locked.Load())
	require.Equal(5*time.Second, mc.ResponseTimeout())
}

func TestReadDomainAddress(t *testing.T) {
	require := require.New(t)

	mc := newFakeClient()
	p := newTestProcedures(newFakeTransport(), mc)

	require.NoError(p.ReadDomainAddress(context.Background(), func(knx.IndividualAddress, []byte) {}))

	mc.readDomainFn = func(fn func(knx.IndividualAddress, []byte)) error {
		fn(ia(1, 1, 1), []byte{0x12, 0x34})
		return errTimeout
	}
	got := map[knx.IndividualAddress][]byte{}
	require.NoError(p.ReadDomainAddress(context.Background(), func(addr knx.IndividualAddress, domain []byte) {
		got[addr] = domain
	}))
	require.Equal(map[knx.IndividualAddress][]byte{ia(1, 1, 1): {0x12, 0x34}}, got)
}

func TestWriteAddress(t *testing.T) {
	target := ia(1, 1, 20)

	t.Run("exactly one device in programming mode", func(t *testing.T) {
		require := require.New(t)

		tl := newFakeTransport()
		mc := newFakeClient()
		mc.deviceDescFn = func(Destination) ([]byte, error) {
			// the probe finds no device, the verification finds the programmed one
			mc.rec.Lock()
			defer mc.rec.Unlock()
			if len(mc.addrWrites) == 0 {
				return nil, errTimeout
			}

			return []byte{0x07, 0x01}, nil
		}
		mc.readAddressFn = func(bool) ([]knx.IndividualAddress, error) {
			return []knx.IndividualAddress{knx.DefaultAddress}, nil
		}
		p := newTestProcedures(tl, mc)

		ok, err := p.WriteAddress(context.Background(), target)
		require.NoError(err)
		require.True(ok)
		require.Equal([]knx.IndividualAddress{target}, mc.addrWrites)
		require.Equal([]knx.IndividualAddress{target}, mc.restarts)
		require.Equal(2, mc.descReads)
		require.Equal([]time.Duration{time.Second, 5 * time.Second}, mc.timeouts)
		require.Empty(tl.openDestinations())
	})

	t.Run("two devices in programming mode", func(t *testing.T) {
		require := require.New(t)

		mc := newFakeClient()
		mc.deviceDescFn = func(Destination) ([]byte, error) { return nil, errTimeout }
		reads := 0
		mc.readAddressFn = func(bool) ([]knx.IndividualAddress, error) {
			reads++
			return []knx.IndividualAddress{ia(1, 1, 1), ia(1, 1, 2)}, nil
		}
		p := newTestProcedures(newFakeTransport(), mc, WithMaxProgModeAttempts(5))

		ok, err := p.WriteAddress(context.Background(), target)
		require.NoError(err)
		require.False(ok)
		require.Equal(5, reads)
		require.Empty(mc.addrWrites)
	})

	t.Run("device already has the address", func(t *testing.T) {
		require := require.New(t)

		mc := newFakeClient()
		mc.deviceDescFn = func(Destination) ([]byte, error) { return nil, errTimeout }
		mc.readAddressFn = func(bool) ([]knx.IndividualAddress, error) {
			return []knx.IndividualAddress{target}, nil
		}
		p := newTestProcedures(newFakeTransport(), mc)

		ok, err := p.WriteAddress(context.Background(), target)
		require.NoError(err)
		require.False(ok)
		require.Empty(mc.addrWrites)
	})

	t.Run("existing device not in programming mode", func(t *testing.T) {
		require := require.New(t)

		mc := newFakeClient()
		reads := 0
		mc.readAddressFn = func(bool) ([]knx.IndividualAddress, error) {
			reads++
			return nil, errTimeout
		}
		p := newTestProcedures(newFakeTransport(), mc)

		ok, err := p.WriteAddress(context.Background(), target)
		require.NoError(err)
		require.False(ok)
		require.Equal(1, reads)
	})

	t.Run("device without connection-oriented support", func(t *testing.T) {
		require := require.New(t)

		mc := newFakeClient()
		mc.deviceDescFn = func(Destination) ([]byte, error) { return nil, knx.ErrDisconnect }
		reads := 0
		mc.readAddressFn = func(bool) ([]knx.IndividualAddress, error) {
			reads++
			if reads < 3 {
				return nil, errTimeout
			}

			return []knx.IndividualAddress{knx.DefaultAddress}, nil
		}
		p := newTestProcedures(newFakeTransport(), mc)

		_, err := p.WriteAddress(context.Background(), target)
		require.ErrorIs(err, knx.ErrDisconnect)
		require.Equal(3, reads)
		require.Equal([]knx.IndividualAddress{target}, mc.addrWrites)
	})

	t.Run("probe failure", func(t *testing.T) {
		mc := newFakeClient()
		mc.deviceDescFn = func(Destination) ([]byte, error) { return nil, knx.ErrLinkClosed }
		p := newTestProcedures(newFakeTransport(), mc)

		_, err := p.WriteAddress(context.Background(), target)
		require.ErrorIs(t, err, knx.ErrLinkClosed)
	})
}

func TestResetAddress(t *testing.T) {
	require := require.New(t)

	tl := newFakeTransport()
	mc := newFakeClient()
	reads := 0
	mc.readAddressFn = func(oneAddressOnly bool) ([]knx.IndividualAddress, error) {
		require.True(oneAddressOnly)
		reads++
		if reads > 2 {
			return nil, errTimeout
		}

		return []knx.IndividualAddress{ia(1, 1, 1)}, nil
	}
	p := newTestProcedures(tl, mc)

	require.NoError(p.ResetAddress(context.Background()))
	require.Equal(3, reads)
	require.Len(mc.addrWrites, 3)
	require.Equal(knx.DefaultAddress, mc.addrWrites[0])
	require.Len(mc.restarts, 3)
	require.Empty(tl.openDestinations())

	mc.readAddressFn = func(bool) ([]knx.IndividualAddress, error) { return nil, knx.ErrLinkClosed }
	require.ErrorIs(p.ResetAddress(context.Background()), knx.ErrLinkClosed)
}

func TestIsAddressOccupied(t *testing.T) {
	tests := []struct {
		name string
		err  error
		by   Endpoint
		want bool
	}{
		{name: "device answers", want: true},
		{name: "no device", err: errTimeout, want: false},
		{name: "remote disconnect", err: knx.ErrDisconnect, by: RemoteEndpoint, want: true},
		{name: "local disconnect", err: knx.ErrDisconnect, by: LocalEndpoint, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			mc := newFakeClient()
			mc.deviceDescFn = func(dst Destination) ([]byte, error) {
				if tt.err == nil {
					return []byte{0x07, 0x01}, nil
				}
				dst.(*fakeDestination).disconnect(tt.by)

				return nil, tt.err
			}
			p := newTestProcedures(newFakeTransport(), mc)

			got, err := p.IsAddressOccupied(context.Background(), ia(1, 1, 1))
			require.NoError(err)
			require.Equal(tt.want, got)
		})
	}
}

func TestWriteAddressBySerial(t *testing.T) {
	require := require.New(t)

	sn := knx.SerialNumber{0x00, 0xfa, 0x12, 0x34, 0x56, 0x78}
	mc := newFakeClient()
	p := newTestProcedures(newFakeTransport(), mc)

	ok, err := p.WriteAddressBySerial(context.Background(), sn, ia(1, 1, 7))
	require.NoError(err)
	require.True(ok)

	addr, err := p.ReadAddressBySerial(context.Background(), sn)
	require.NoError(err)
	require.Equal(ia(1, 1, 7), addr)

	mc.bySerialFn = func(knx.SerialNumber) (knx.IndividualAddress, error) { return ia(1, 1, 8), nil }
	ok, err = p.WriteAddressBySerial(context.Background(), sn, ia(1, 1, 7))
	require.NoError(err)
	require.False(ok)

	mc.bySerialFn = func(knx.SerialNumber) (knx.IndividualAddress, error) { return 0, errors.New("boom") }
	_, err = p.WriteAddressBySerial(context.Background(), sn, ia(1, 1, 7))
	require.Error(err)
}
