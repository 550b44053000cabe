package tunnel

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// FrameSendCount indicates the number of KNXnet/IP frames sent.
	FrameSendCount atomic.Uint64
	// FrameRecvCount indicates the number of KNXnet/IP frames received.
	FrameRecvCount atomic.Uint64
	// FrameDropCount indicates the number of received frames dropped as malformed, unexpected or unauthenticated.
	FrameDropCount atomic.Uint64

	// TunnelReqSendCount indicates the number of tunneling requests sent and acknowledged.
	TunnelReqSendCount atomic.Uint64
	// TunnelReqRecvCount indicates the number of tunneling requests received.
	TunnelReqRecvCount atomic.Uint64
	// TunnelReqErrCount indicates the number of tunneling requests not acknowledged.
	TunnelReqErrCount atomic.Uint64

	// HeartbeatSendCount indicates the number of connection state requests sent.
	HeartbeatSendCount atomic.Uint64
	// HeartbeatErrCount indicates the number of failed connection state requests.
	HeartbeatErrCount atomic.Uint64
}

func (m *ConnectionMetrics) incFrameSendCount() {
	m.FrameSendCount.Add(1)
}

func (m *ConnectionMetrics) incFrameRecvCount() {
	m.FrameRecvCount.Add(1)
}

func (m *ConnectionMetrics) incFrameDropCount() {
	m.FrameDropCount.Add(1)
}

func (m *ConnectionMetrics) incTunnelReqSendCount() {
	m.TunnelReqSendCount.Add(1)
}

func (m *ConnectionMetrics) incTunnelReqRecvCount() {
	m.TunnelReqRecvCount.Add(1)
}

func (m *ConnectionMetrics) incTunnelReqErrCount() {
	m.TunnelReqErrCount.Add(1)
}

func (m *ConnectionMetrics) incHeartbeatSendCount() {
	m.HeartbeatSendCount.Add(1)
}

func (m *ConnectionMetrics) incHeartbeatErrCount() {
	m.HeartbeatErrCount.Add(1)
}
