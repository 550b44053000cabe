package tunnel

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-knx/internal/util"
	"github.com/arloliu/go-knx/knx"
	"github.com/arloliu/go-knx/knxnetip"
	"github.com/arloliu/go-knx/secure"
)

const (
	testChannelID = 7
	testSessionID = 0x0a0b
	testUserID    = 2
)

var (
	testTunnelAddr   = knx.IndividualAddress(0x11fa)
	testServerSerial = knx.SerialNumber{0x00, 0xfa, 0x01, 0x02, 0x03, 0x04}
	testUserKey      = secure.UserPasswordHash("user-pw")
	testAuthKey      = secure.DeviceAuthCodeHash("trustme")
)

// testServer is a minimal KNXnet/IP tunneling server, optionally requiring a secure session.
type testServer struct {
	t      *testing.T
	conn   *net.UDPConn
	secure bool

	dropTunneling bool
	silent        bool

	mu        sync.Mutex
	client    *net.UDPAddr
	keys      *secure.KeyPair
	clientPub [knxnetip.PublicKeySize]byte
	codec     *secure.Codec
	seq       uint8

	stateRequests atomic.Int32
	rejected      atomic.Int32

	frames   chan []byte
	services chan knxnetip.ServiceType
	acks     chan knxnetip.ConnHeader
	done     chan struct{}
}

type testServerOption func(*testServer)

func withSecureServer() testServerOption  { return func(s *testServer) { s.secure = true } }
func withDropTunneling() testServerOption { return func(s *testServer) { s.dropTunneling = true } }
func withSilentServer() testServerOption  { return func(s *testServer) { s.silent = true } }

func newTestServer(t *testing.T, opts ...testServerOption) *testServer {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	s := &testServer{
		t:        t,
		conn:     conn,
		frames:   make(chan []byte, 16),
		services: make(chan knxnetip.ServiceType, 64),
		acks:     make(chan knxnetip.ConnHeader, 16),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.serve()
	t.Cleanup(s.close)

	return s
}

func (s *testServer) port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *testServer) config(t *testing.T, opts ...ConnOption) *ConnectionConfig {
	t.Helper()

	opts = append([]ConnOption{WithConnectTimeout(time.Second), WithAckTimeout(100 * time.Millisecond)}, opts...)
	cfg, err := NewConnectionConfig("127.0.0.1", s.port(), opts...)
	require.NoError(t, err)

	return cfg
}

func (s *testServer) close() {
	_ = s.conn.Close()
	<-s.done
}

func (s *testServer) serve() {
	defer close(s.done)

	buf := make([]byte, knxnetip.MaxFrameSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.client = src
		s.mu.Unlock()

		if !s.silent {
			s.handle(util.CloneSlice(buf[:n], 0))
		}
	}
}

func (s *testServer) handle(data []byte) {
	h, err := knxnetip.ParseHeader(data)
	if err != nil {
		return
	}

	switch h.ServiceType {
	case knxnetip.SessionRequest:
		s.handleSessionRequest(h.Body(data))
		return

	case knxnetip.SecureWrapper:
		s.mu.Lock()
		codec := s.codec
		s.mu.Unlock()
		if codec == nil {
			return
		}

		env, err := codec.Unwrap(h, data)
		if err != nil {
			s.rejected.Add(1)
			return
		}
		if h, err = knxnetip.ParseHeader(env.Packet); err != nil {
			return
		}
		data = env.Packet
	}

	select {
	case s.services <- h.ServiceType:
	default:
	}

	body := h.Body(data)
	switch h.ServiceType {
	case knxnetip.SessionAuthenticate:
		s.handleSessionAuth(body)

	case knxnetip.ConnectRequest:
		crd := []byte{4, knxnetip.TunnelConnection}
		crd = append(crd, testTunnelAddr.Bytes()...)
		s.reply(knxnetip.NewPacket(knxnetip.ConnectResponse, []byte{testChannelID, 0}, knxnetip.RouteBackHPAI().Bytes(), crd))

	case knxnetip.ConnectionStateRequest:
		s.stateRequests.Add(1)
		s.reply(knxnetip.NewPacket(knxnetip.ConnectionStateResponse, knxnetip.ChannelResponseBody(testChannelID, knxnetip.StatusNoError)))

	case knxnetip.DisconnectRequest:
		s.reply(knxnetip.NewPacket(knxnetip.DisconnectResponse, knxnetip.ChannelResponseBody(testChannelID, knxnetip.StatusNoError)))

	case knxnetip.TunnelingRequest:
		if s.dropTunneling {
			return
		}
		ch, err := knxnetip.ParseConnHeader(body)
		if err != nil {
			return
		}
		s.reply(knxnetip.TunnelingAckPacket(ch.ChannelID, ch.Seq, knxnetip.StatusNoError))
		s.frames <- util.CloneSlice(body[knxnetip.ConnHeaderSize:], 0)

	case knxnetip.TunnelingAck:
		if ch, err := knxnetip.ParseConnHeader(body); err == nil {
			s.acks <- ch
		}
	}
}

func (s *testServer) handleSessionRequest(body []byte) {
	req, err := knxnetip.ParseSessionRequest(body)
	if err != nil {
		return
	}

	keys, err := secure.GenerateKeyPair()
	if err != nil {
		return
	}
	key, err := keys.SessionKey(req.PublicKey)
	if err != nil {
		return
	}
	codec, err := secure.NewCodec(key, testSessionID, testServerSerial)
	if err != nil {
		return
	}
	mac, err := secure.SessionResponseMAC(testAuthKey, testSessionID, req.PublicKey, keys.Public)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.keys = keys
	s.clientPub = req.PublicKey
	s.codec = codec
	s.mu.Unlock()

	res := &knxnetip.SessionResponseFrame{SessionID: testSessionID, PublicKey: keys.Public, MAC: mac}
	s.write(res.Packet())
}

func (s *testServer) handleSessionAuth(body []byte) {
	auth, err := knxnetip.ParseSessionAuth(body)
	if err != nil {
		return
	}

	s.mu.Lock()
	clientPub, serverPub := s.clientPub, s.keys.Public
	s.mu.Unlock()

	status := knxnetip.SecureAuthSuccess
	mac, err := secure.SessionAuthMAC(testUserKey, auth.UserID, clientPub, serverPub)
	if err != nil || mac != auth.MAC {
		status = knxnetip.SecureAuthFailed
	}
	s.reply(knxnetip.SessionStatusPacket(status))
}

// reply sends packet to the client, in a secure wrapper if the server is secure.
func (s *testServer) reply(packet []byte) {
	if s.secure {
		s.mu.Lock()
		codec := s.codec
		s.mu.Unlock()

		wrapped, err := codec.Wrap(packet)
		if err != nil {
			return
		}
		packet = wrapped
	}

	s.write(packet)
}

func (s *testServer) write(packet []byte) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client != nil {
		_, _ = s.conn.WriteToUDP(packet, client)
	}
}

// sendTunneling sends a tunneling request with the next sequence number.
func (s *testServer) sendTunneling(cemi []byte) {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	s.sendTunnelingSeq(seq, cemi)
}

func (s *testServer) sendTunnelingSeq(seq uint8, cemi []byte) {
	s.reply(knxnetip.TunnelingRequestPacket(testChannelID, seq, cemi))
}

func (s *testServer) sendDisconnect() {
	s.reply(knxnetip.NewPacket(knxnetip.DisconnectRequest, knxnetip.ChannelRequestBody(testChannelID, knxnetip.RouteBackHPAI())))
}

// waitService waits until the server received a frame of the given service.
func (s *testServer) waitService(svc knxnetip.ServiceType) {
	s.t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-s.services:
			if got == svc {
				return
			}
		case <-timeout:
			s.t.Fatalf("server did not receive %s", svc)
		}
	}
}

func (s *testServer) nextFrame() []byte {
	s.t.Helper()

	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		s.t.Fatal("server received no tunneling request")
		return nil
	}
}

func (s *testServer) nextAck() knxnetip.ConnHeader {
	s.t.Helper()

	select {
	case ack := <-s.acks:
		return ack
	case <-time.After(2 * time.Second):
		s.t.Fatal("server received no tunneling ack")
		return knxnetip.ConnHeader{}
	}
}

// recvFrames returns a frame handler and the channel it forwards frames to.
func recvFrames() (FrameHandler, chan []byte) {
	ch := make(chan []byte, 16)

	return func(cemi []byte) { ch <- cemi }, ch
}

func nextFrame(t *testing.T, ch chan []byte) []byte {
	t.Helper()

	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}
