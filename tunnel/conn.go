// Package tunnel implements KNXnet/IP tunneling connections over UDP, in plain and KNX IP Secure flavors.
//
// A Connection carries cEMI frames between the application and a KNXnet/IP server: Send transmits a frame
// and waits for its tunneling acknowledge, received frames are passed to the registered FrameHandler
// functions. A SecureConnection additionally establishes a secure session before connecting and
// encrypts every frame with the session key.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-knx/internal/pool"
	"github.com/arloliu/go-knx/internal/util"
	"github.com/arloliu/go-knx/knx"
	"github.com/arloliu/go-knx/knxnetip"
	"github.com/arloliu/go-knx/logger"
)

// FrameHandler is invoked by the receiver goroutine for every cEMI frame received through the tunnel.
//
// The handler is invoked in a blocking mode. Take care with long-running implementations.
type FrameHandler func(cemi []byte)

// replyKey identifies the response a request waits for.
type replyKey struct {
	svc knxnetip.ServiceType
	seq uint8
}

// frameLayer sits between the socket and the tunneling protocol.
type frameLayer interface {
	// open runs after the socket is bound and before the connect request is sent.
	open(ctx context.Context) error
	// outbound transforms a frame before it is written to the socket. It is called with writeMu held.
	outbound(packet []byte) ([]byte, error)
	// inbound dispatches a frame read from the socket.
	inbound(h knxnetip.Header, data []byte, src *net.UDPAddr)
	// close runs before the socket is closed.
	close()
}

type plainLayer struct {
	c *Connection
}

func (l plainLayer) open(context.Context) error             { return nil }
func (l plainLayer) outbound(packet []byte) ([]byte, error) { return packet, nil }
func (l plainLayer) close()                                 {}

func (l plainLayer) inbound(h knxnetip.Header, data []byte, src *net.UDPAddr) {
	l.c.handleServiceType(h, data, src)
}

// Connection is a KNXnet/IP tunnel connection.
type Connection struct {
	pctx      context.Context
	ctx       context.Context
	ctxCancel context.CancelFunc
	cfg       *ConnectionConfig
	logger    logger.Logger
	layer     frameLayer

	conn      *net.UDPConn
	ctrlAddr  *net.UDPAddr
	dataAddr  atomic.Pointer[net.UDPAddr]
	channelID atomic.Uint32
	address   atomic.Uint32
	rcvSeq    uint8 // receiver goroutine only

	sendMu  sync.Mutex // one outstanding tunneling request
	sendSeq uint8
	writeMu sync.Mutex // frames leave in the order the frame layer sequenced them
	closeMu sync.Mutex

	stateMgr   *knxnetip.ConnStateMgr
	taskMgr    *knxnetip.TaskManager
	replyChans *xsync.MapOf[replyKey, chan []byte]

	handlersMu sync.RWMutex
	handlers   []FrameHandler

	metrics ConnectionMetrics
}

// NewConnection creates a plain tunnel connection. The connection is opened with Open.
func NewConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	c, err := newConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.layer = plainLayer{c: c}

	return c, nil
}

func newConnection(ctx context.Context, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	ctrlAddr, err := net.ResolveUDPAddr("udp4", cfg.ServerAddr())
	if err != nil {
		return nil, fmt.Errorf("tunnel: resolve server address: %w", err)
	}

	c := &Connection{
		pctx:       ctx,
		cfg:        cfg,
		logger:     cfg.logger.With("remote", ctrlAddr.String()),
		ctrlAddr:   ctrlAddr,
		replyChans: xsync.NewMapOf[replyKey, chan []byte](),
	}
	c.ctx, c.ctxCancel = context.WithCancel(ctx)
	c.stateMgr = knxnetip.NewConnStateMgr(c.logger)
	c.taskMgr = knxnetip.NewTaskManager(ctx, c.logger)

	return c, nil
}

// State returns the current connection state.
func (c *Connection) State() knxnetip.ConnState {
	return c.stateMgr.State()
}

// WaitState blocks until the connection reaches state or ctx is done.
func (c *Connection) WaitState(ctx context.Context, state knxnetip.ConnState) error {
	return c.stateMgr.WaitState(ctx, state)
}

// AddStateChangeHandler adds handlers invoked on every connection state change.
func (c *Connection) AddStateChangeHandler(handlers ...knxnetip.ConnStateChangeHandler) {
	c.stateMgr.AddHandler(handlers...)
}

// Address returns the individual address assigned to the tunnel by the server.
func (c *Connection) Address() knx.IndividualAddress {
	return knx.IndividualAddress(c.address.Load()) //nolint:gosec
}

// ChannelID returns the communication channel id assigned by the server.
func (c *Connection) ChannelID() uint8 {
	return uint8(c.channelID.Load()) //nolint:gosec
}

// Metrics returns the connection metrics.
func (c *Connection) Metrics() *ConnectionMetrics {
	return &c.metrics
}

// AddFrameHandler adds handlers invoked for every received cEMI frame.
func (c *Connection) AddFrameHandler(handlers ...FrameHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.handlers = append(c.handlers, handlers...)
}

// Open binds the local socket, runs the secure session setup if any, and connects the tunnel.
//
// It blocks until the server accepted the connection, the connect timeout elapsed or ctx is done.
func (c *Connection) Open(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if err := c.stateMgr.ToConnecting(); err != nil {
		return ErrAlreadyOpen
	}

	if err := c.open(ctx); err != nil {
		c.logger.Warn("failed to open tunnel", "error", err)
		c.teardown()

		return err
	}

	c.logger.Info("tunnel connected", "channel_id", c.ChannelID(), "address", c.Address())

	return nil
}

func (c *Connection) open(ctx context.Context) error {
	var local *net.UDPAddr
	if c.cfg.localAddr != "" {
		addr, err := net.ResolveUDPAddr("udp4", c.cfg.localAddr)
		if err != nil {
			return fmt.Errorf("tunnel: resolve local address: %w", err)
		}
		local = addr
	}

	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return fmt.Errorf("tunnel: listen: %w", err)
	}
	c.conn = conn
	c.ctx, c.ctxCancel = context.WithCancel(c.pctx)
	c.rcvSeq = 0
	c.sendSeq = 0

	if err := c.taskMgr.StartReceiver("receiver", c.receiveTask, nil); err != nil {
		return err
	}

	if err := c.layer.open(ctx); err != nil {
		return err
	}

	hpai := c.localHPAI()
	packet := knxnetip.NewPacket(knxnetip.ConnectRequest, knxnetip.ConnectRequestBody(hpai, hpai, c.cfg.tunnelAddress))
	body, err := c.request(ctx, c.ctrlAddr, packet, replyKey{svc: knxnetip.ConnectResponse}, c.cfg.connectTimeout)
	if err != nil {
		return err
	}

	res, err := knxnetip.ParseConnectResponse(body)
	if err != nil {
		return err
	}
	if res.Status != knxnetip.StatusNoError {
		return fmt.Errorf("%w: %s", ErrConnectRejected, res.Status)
	}

	dataAddr := res.DataEndpoint.UDPAddr()
	if dataAddr == nil {
		dataAddr = c.ctrlAddr
	}
	c.dataAddr.Store(dataAddr)
	c.channelID.Store(uint32(res.ChannelID))
	c.address.Store(uint32(res.Address))

	if err := c.stateMgr.ToConnected(); err != nil {
		return err
	}

	return c.taskMgr.StartInterval("heartbeat", c.heartbeatTask, c.cfg.heartbeatInterval)
}

// Close disconnects the tunnel and releases the socket. Closing a closed connection is a no-op.
func (c *Connection) Close() error {
	return c.close(true)
}

func (c *Connection) close(sendDisconnect bool) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	state := c.stateMgr.State()
	if state.IsNotConnected() {
		return nil
	}

	if sendDisconnect && state.IsConnected() {
		packet := knxnetip.NewPacket(knxnetip.DisconnectRequest, knxnetip.ChannelRequestBody(c.ChannelID(), c.localHPAI()))
		_, err := c.request(context.Background(), c.ctrlAddr, packet, replyKey{svc: knxnetip.DisconnectResponse}, c.cfg.disconnectTimeout)
		if err != nil {
			c.logger.Debug("no disconnect response", "error", err)
		}
	}

	c.teardown()
	c.logger.Info("tunnel closed")

	return nil
}

// closeAsync closes the connection from a goroutine managed by the task manager,
// which must not wait for itself.
func (c *Connection) closeAsync(sendDisconnect bool) {
	go func() {
		_ = c.close(sendDisconnect)
	}()
}

func (c *Connection) teardown() {
	c.layer.close()
	c.stateMgr.ToNotConnected()

	c.taskMgr.Stop()
	c.ctxCancel()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.taskMgr.Wait()
}

// Send transmits a cEMI frame through the tunnel and waits for the acknowledge of the server.
//
// An unacknowledged request is repeated once; if the repetition is not acknowledged either, the
// connection is closed and an error wrapping knx.ErrTimeout is returned.
func (c *Connection) Send(ctx context.Context, cemi []byte) error {
	if !c.stateMgr.State().IsConnected() {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	seq := c.sendSeq
	packet := knxnetip.TunnelingRequestPacket(c.ChannelID(), seq, cemi)
	dst := c.dataAddr.Load()

	for attempt := 1; attempt <= 2; attempt++ {
		body, err := c.request(ctx, dst, packet, replyKey{svc: knxnetip.TunnelingAck, seq: seq}, c.cfg.ackTimeout)
		if errors.Is(err, knx.ErrTimeout) {
			c.logger.Debug("tunneling ack timeout", "seq", seq, "attempt", attempt)
			continue
		}
		if err != nil {
			return err
		}

		ch, err := knxnetip.ParseConnHeader(body)
		if err != nil {
			return err
		}
		if ch.Status != knxnetip.StatusNoError {
			return fmt.Errorf("%w: %s", ErrAckStatus, ch.Status)
		}
		c.sendSeq++
		c.metrics.incTunnelReqSendCount()

		return nil
	}

	c.metrics.incTunnelReqErrCount()
	c.logger.Warn("no tunneling ack after repetition, close tunnel", "seq", seq)
	c.closeAsync(true)

	return fmt.Errorf("%w: no tunneling ack for sequence %d", knx.ErrTimeout, seq)
}

// request sends packet to dst and waits for the response identified by key.
func (c *Connection) request(ctx context.Context, dst *net.UDPAddr, packet []byte, key replyKey, timeout time.Duration) ([]byte, error) {
	replyChan := make(chan []byte, 1)
	c.replyChans.Store(key, replyChan)
	defer c.replyChans.Delete(key)

	if err := c.send(dst, packet); err != nil {
		return nil, err
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case body := <-replyChan:
		return body, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no %s within %v", knx.ErrTimeout, key.svc, timeout)
	case <-ctx.Done():
		return nil, knx.Interrupted(ctx)
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	}
}

// send passes packet through the frame layer and writes it to dst.
func (c *Connection) send(dst *net.UDPAddr, packet []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	out, err := c.layer.outbound(packet)
	if err != nil {
		return err
	}

	return c.writeTo(dst, out)
}

// writeTo writes a frame to the socket as is.
func (c *Connection) writeTo(dst *net.UDPAddr, data []byte) error {
	if _, err := c.conn.WriteToUDP(data, dst); err != nil {
		return fmt.Errorf("tunnel: write to %s: %w", dst, err)
	}
	c.metrics.incFrameSendCount()

	return nil
}

func (c *Connection) localHPAI() knxnetip.HPAI {
	addr, _ := c.conn.LocalAddr().(*net.UDPAddr)
	if addr == nil || addr.IP.IsUnspecified() {
		return knxnetip.RouteBackHPAI()
	}

	return knxnetip.NewHPAI(addr)
}

// --- Receiver ---

func (c *Connection) receiveTask(buf []byte) bool {
	n, src, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) || c.ctx.Err() != nil {
			return false
		}
		c.logger.Warn("failed to receive frame", "error", err)

		return true
	}

	data := util.CloneSlice(buf[:n], 0)
	h, err := knxnetip.ParseHeader(data)
	if err != nil {
		c.logger.Debug("drop malformed frame", "src", src, "error", err)
		c.metrics.incFrameDropCount()

		return true
	}

	c.metrics.incFrameRecvCount()
	c.layer.inbound(h, data, src)

	return true
}

// handleServiceType dispatches a cleartext KNXnet/IP frame.
func (c *Connection) handleServiceType(h knxnetip.Header, data []byte, src *net.UDPAddr) {
	body := h.Body(data)

	switch h.ServiceType {
	case knxnetip.ConnectResponse:
		c.replyToSender(replyKey{svc: h.ServiceType}, body)

	case knxnetip.ConnectionStateResponse, knxnetip.DisconnectResponse:
		if c.checkChannel(h, body) {
			c.replyToSender(replyKey{svc: h.ServiceType}, body)
		}

	case knxnetip.DisconnectRequest:
		if !c.checkChannel(h, body) {
			return
		}
		c.logger.Info("disconnect requested by server", "src", src)
		res := knxnetip.NewPacket(knxnetip.DisconnectResponse, knxnetip.ChannelResponseBody(c.ChannelID(), knxnetip.StatusNoError))
		if err := c.send(c.ctrlAddr, res); err != nil {
			c.logger.Debug("failed to send disconnect response", "error", err)
		}
		c.closeAsync(false)

	case knxnetip.TunnelingRequest:
		c.handleTunnelingRequest(body)

	case knxnetip.TunnelingAck:
		ch, err := knxnetip.ParseConnHeader(body)
		if err != nil || ch.ChannelID != c.ChannelID() {
			c.metrics.incFrameDropCount()
			return
		}
		c.replyToSender(replyKey{svc: h.ServiceType, seq: ch.Seq}, body)

	default:
		c.logger.Warn("unsupported service type, frame ignored", "service", h.ServiceType, "src", src)
		c.metrics.incFrameDropCount()
	}
}

func (c *Connection) handleTunnelingRequest(body []byte) {
	ch, err := knxnetip.ParseConnHeader(body)
	if err != nil || ch.ChannelID != c.ChannelID() {
		c.logger.Debug("drop tunneling request", "channel_id", ch.ChannelID, "error", err)
		c.metrics.incFrameDropCount()

		return
	}

	switch ch.Seq {
	case c.rcvSeq:
		c.sendAck(ch.Seq)
		c.rcvSeq++
		c.metrics.incTunnelReqRecvCount()
		c.dispatchFrame(util.CloneSlice(body[knxnetip.ConnHeaderSize:], 0))

	case c.rcvSeq - 1:
		// repeated request, the previous ack was lost
		c.sendAck(ch.Seq)

	default:
		c.logger.Debug("drop tunneling request out of sequence", "seq", ch.Seq, "expected", c.rcvSeq)
		c.metrics.incFrameDropCount()
	}
}

func (c *Connection) sendAck(seq uint8) {
	ack := knxnetip.TunnelingAckPacket(c.ChannelID(), seq, knxnetip.StatusNoError)
	if err := c.send(c.dataAddr.Load(), ack); err != nil {
		c.logger.Debug("failed to send tunneling ack", "seq", seq, "error", err)
	}
}

func (c *Connection) dispatchFrame(cemi []byte) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()

	for _, handler := range c.handlers {
		handler(cemi)
	}
}

func (c *Connection) checkChannel(h knxnetip.Header, body []byte) bool {
	channel, _, err := knxnetip.ParseChannelFrame(body)
	if err != nil || channel != c.ChannelID() {
		c.logger.Debug("drop frame for other channel", "service", h.ServiceType, "channel_id", channel)
		c.metrics.incFrameDropCount()

		return false
	}

	return true
}

// --- Heartbeat ---

func (c *Connection) heartbeatTask() bool {
	packet := knxnetip.NewPacket(knxnetip.ConnectionStateRequest, knxnetip.ChannelRequestBody(c.ChannelID(), c.localHPAI()))

	for attempt := 1; attempt <= c.cfg.heartbeatAttempts; attempt++ {
		c.metrics.incHeartbeatSendCount()
		body, err := c.request(c.ctx, c.ctrlAddr, packet, replyKey{svc: knxnetip.ConnectionStateResponse}, c.cfg.heartbeatTimeout)
		if err == nil {
			_, status, _ := knxnetip.ParseChannelFrame(body)
			if status == knxnetip.StatusNoError {
				return true
			}
			c.metrics.incHeartbeatErrCount()
			c.logger.Warn("connection state error", "status", status)

			break
		}

		c.metrics.incHeartbeatErrCount()
		if c.ctx.Err() != nil {
			return false
		}
		c.logger.Debug("connection state request failed", "attempt", attempt, "error", err)
	}

	c.logger.Warn("connection lost, close tunnel")
	c.closeAsync(true)

	return false
}

// --- Reply channel management ---

func (c *Connection) replyToSender(key replyKey, body []byte) {
	replyChan, ok := c.replyChans.Load(key)
	if !ok {
		c.logger.Debug("drop unexpected response", "service", key.svc, "seq", key.seq)
		c.metrics.incFrameDropCount()

		return
	}

	select {
	case replyChan <- body:
	default:
	}
}
