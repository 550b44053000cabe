package secure

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-knx/knx"
	"github.com/arloliu/go-knx/knxnetip"
)

var testKey = []byte{
	0x28, 0x9f, 0x6d, 0x4c, 0x1a, 0x07, 0xe5, 0x33,
	0x90, 0x42, 0xab, 0x11, 0xc8, 0x5e, 0x7b, 0xd6,
}

func newTestCodecs(t *testing.T) (client *Codec, server *Codec) {
	t.Helper()

	client, err := NewCodec(testKey, 7, knx.SerialNumber{0x00, 0xfa, 1, 2, 3, 4})
	require.NoError(t, err)
	server, err = NewCodec(testKey, 7, knx.SerialNumber{0x00, 0xfa, 9, 9, 9, 9})
	require.NoError(t, err)

	return client, server
}

func unwrapPacket(c *Codec, wrapped []byte) (*Envelope, error) {
	h, err := knxnetip.ParseHeader(wrapped)
	if err != nil {
		return nil, err
	}

	return c.Unwrap(h, wrapped)
}

func TestCodec_WrapUnwrap(t *testing.T) {
	require := require.New(t)

	client, server := newTestCodecs(t)
	inner := knxnetip.TunnelingRequestPacket(1, 0, []byte{0x11, 0x00, 0xbc, 0xe0, 0x00, 0x00, 0x11, 0x05, 0x01, 0x00, 0x80})

	wrapped, err := client.Wrap(inner)
	require.NoError(err)
	require.Len(wrapped, len(inner)+knxnetip.WrapperOverhead)
	require.NotContains(string(wrapped), string(inner[knxnetip.HeaderSize:]))

	h, err := knxnetip.ParseHeader(wrapped)
	require.NoError(err)
	require.Equal(knxnetip.SecureWrapper, h.ServiceType)

	env, err := server.Unwrap(h, wrapped)
	require.NoError(err)
	require.Equal(uint16(7), env.SessionID)
	require.Equal(uint64(0), env.Seq)
	require.Equal(knx.SerialNumber{0x00, 0xfa, 1, 2, 3, 4}, env.Serial)
	require.Equal(uint16(0), env.Tag)
	require.Equal(inner, env.Packet)

	require.Equal(uint64(1), client.SendSeq())
	require.Equal(uint64(1), server.RcvSeq())
}

func TestCodec_SequenceNumbers(t *testing.T) {
	require := require.New(t)

	client, server := newTestCodecs(t)
	inner := knxnetip.SessionStatusPacket(knxnetip.SecureKeepAlive)

	first, err := client.Wrap(inner)
	require.NoError(err)
	second, err := client.Wrap(inner)
	require.NoError(err)
	third, err := client.Wrap(inner)
	require.NoError(err)

	t.Run("ahead of expected is rejected", func(t *testing.T) {
		_, err := unwrapPacket(server, second)
		require.ErrorIs(err, ErrSequence)
		require.ErrorIs(err, knx.ErrSecure)
		require.Equal(uint64(0), server.RcvSeq())
	})

	t.Run("in order is accepted", func(t *testing.T) {
		env, err := unwrapPacket(server, first)
		require.NoError(err)
		require.Equal(uint64(0), env.Seq)

		env, err = unwrapPacket(server, second)
		require.NoError(err)
		require.Equal(uint64(1), env.Seq)
	})

	t.Run("replay is rejected", func(t *testing.T) {
		_, err := unwrapPacket(server, first)
		require.ErrorIs(err, ErrSequence)
		_, err = unwrapPacket(server, second)
		require.ErrorIs(err, ErrSequence)
		require.Equal(uint64(2), server.RcvSeq())
	})

	env, err := unwrapPacket(server, third)
	require.NoError(err)
	require.Equal(uint64(2), env.Seq)
}

func TestCodec_Tampered(t *testing.T) {
	require := require.New(t)

	inner := knxnetip.SessionStatusPacket(knxnetip.SecureAuthSuccess)

	tests := []struct {
		name   string
		modify func(b []byte)
		err    error
	}{
		{"encrypted payload", func(b []byte) { b[knxnetip.WrapperHeaderSize] ^= 0x01 }, ErrAuthentication},
		{"mac", func(b []byte) { b[len(b)-1] ^= 0x80 }, ErrAuthentication},
		{"serial number", func(b []byte) { b[knxnetip.HeaderSize+2+knxnetip.SeqSize] ^= 0x01 }, ErrAuthentication},
		{"session id", func(b []byte) { b[knxnetip.HeaderSize+1] = 8 }, ErrSessionID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newTestCodecs(t)
			wrapped, err := client.Wrap(inner)
			require.NoError(err)

			tt.modify(wrapped)
			env, err := unwrapPacket(server, wrapped)
			require.ErrorIs(err, tt.err)
			require.Nil(env)
			require.Equal(uint64(0), server.RcvSeq())
		})
	}

	t.Run("wrong key", func(t *testing.T) {
		client, _ := newTestCodecs(t)
		other, err := NewCodec(make([]byte, KeySize), 7, knx.SerialNumber{})
		require.NoError(err)

		wrapped, err := client.Wrap(inner)
		require.NoError(err)
		_, err = unwrapPacket(other, wrapped)
		require.ErrorIs(err, ErrAuthentication)
	})

	t.Run("too short", func(t *testing.T) {
		_, server := newTestCodecs(t)
		packet := knxnetip.NewPacket(knxnetip.SecureWrapper, make([]byte, 20))
		_, err := unwrapPacket(server, packet)
		require.ErrorIs(err, knx.ErrFormat)
	})

	t.Run("not a wrapper", func(t *testing.T) {
		_, server := newTestCodecs(t)
		_, err := unwrapPacket(server, inner)
		require.ErrorIs(err, knx.ErrFormat)
	})
}

func TestNewCodec_InvalidKey(t *testing.T) {
	_, err := NewCodec([]byte{1, 2, 3}, 1, knx.SerialNumber{})
	require.Error(t, err)
}
