package tunnel

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/arloliu/go-knx/knx"
	"github.com/arloliu/go-knx/logger"
)

// DefaultPort is the KNXnet/IP UDP port.
const DefaultPort = 3671

// Default values of ConnectionConfig.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultAckTimeout        = 1 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultHeartbeatAttempts = 3
	DefaultDisconnectTimeout = 1 * time.Second
)

// Valid ranges of ConnectionConfig values.
const (
	MinTimeout           = 10 * time.Millisecond
	MaxConnectTimeout    = 60 * time.Second
	MaxAckTimeout        = 10 * time.Second
	MaxHeartbeatInterval = 120 * time.Second
	MaxHeartbeatAttempts = 10
)

// ConnectionConfig represents the configuration parameters of a KNXnet/IP tunnel connection.
type ConnectionConfig struct {
	// host specifies the host of the KNXnet/IP server.
	host string

	// port specifies the UDP control endpoint port of the server. Defaults to 3671.
	port int

	// localAddr is the local UDP address to bind, e.g. "192.168.1.20:0".
	// Defaults to an ephemeral port on all interfaces, which requests route-back (NAT) mode.
	localAddr string

	// tunnelAddress is the individual address requested for the tunnel.
	// Defaults to knx.BackboneRouter, which lets the server pick any free tunneling address.
	tunnelAddress knx.IndividualAddress

	// connectTimeout defines the time to wait for the connect response. Defaults to 10 seconds.
	connectTimeout time.Duration
	// ackTimeout defines the time to wait for a tunneling acknowledge before the single
	// retransmission. Defaults to 1 second.
	ackTimeout time.Duration

	// heartbeatInterval defines the interval between connection state requests. Defaults to 60 seconds.
	heartbeatInterval time.Duration
	// heartbeatTimeout defines the time to wait for a connection state response. Defaults to 10 seconds.
	heartbeatTimeout time.Duration
	// heartbeatAttempts defines how many connection state requests are sent before the connection is
	// considered lost. Defaults to 3.
	heartbeatAttempts int

	// disconnectTimeout defines the time to wait for the disconnect response when closing. Defaults to 1 second.
	disconnectTimeout time.Duration

	logger logger.Logger
}

// NewConnectionConfig creates a new tunnel connection configuration for the server host and port,
// applying the given options on top of the defaults.
//
// Returns the initialized ConnectionConfig and an error if any option is invalid.
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		port:              DefaultPort,
		tunnelAddress:     knx.BackboneRouter,
		connectTimeout:    DefaultConnectTimeout,
		ackTimeout:        DefaultAckTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		heartbeatAttempts: DefaultHeartbeatAttempts,
		disconnectTimeout: DefaultDisconnectTimeout,
		logger:            logger.GetLogger(),
	}

	if err := withRemoteHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// ServerAddr returns the "host:port" of the server control endpoint.
func (cfg *ConnectionConfig) ServerAddr() string {
	return net.JoinHostPort(cfg.host, fmt.Sprint(cfg.port))
}

func (cfg *ConnectionConfig) LocalAddr() string {
	return cfg.localAddr
}

func (cfg *ConnectionConfig) TunnelAddress() knx.IndividualAddress {
	return cfg.tunnelAddress
}

func (cfg *ConnectionConfig) ConnectTimeout() time.Duration {
	return cfg.connectTimeout
}

func (cfg *ConnectionConfig) AckTimeout() time.Duration {
	return cfg.ackTimeout
}

func (cfg *ConnectionConfig) HeartbeatInterval() time.Duration {
	return cfg.heartbeatInterval
}

func (cfg *ConnectionConfig) HeartbeatTimeout() time.Duration {
	return cfg.heartbeatTimeout
}

func (cfg *ConnectionConfig) HeartbeatAttempts() int {
	return cfg.heartbeatAttempts
}

func (cfg *ConnectionConfig) DisconnectTimeout() time.Duration {
	return cfg.disconnectTimeout
}

func (cfg *ConnectionConfig) Logger() logger.Logger {
	return cfg.logger
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error {
	if cfg == nil {
		return ErrConnConfigNil
	}
	if err := c.applyFunc(cfg); err != nil {
		return fmt.Errorf("tunnel: %s: %w", c.name, err)
	}

	return nil
}

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{
		name:      name,
		applyFunc: f,
	}
}

// withRemoteHost sets the host of the KNXnet/IP server.
// It returns a ConnOption that validates the host and updates the configuration.
func withRemoteHost(host string) ConnOption {
	return newConnOptFunc("withRemoteHost", func(cfg *ConnectionConfig) error {
		// Check if it's a valid IP address
		if ip := net.ParseIP(host); ip != nil {
			cfg.host = host
			return nil
		}

		// If not an IP, check if it's a valid domain name
		host = strings.TrimPrefix(host, ".")
		host = strings.TrimSuffix(host, ".")
		if _, err := net.LookupHost(host); err == nil {
			cfg.host = host
			return nil
		}

		return errors.New("invalid host")
	})
}

// withPort sets the UDP port of the server control endpoint; 0 selects DefaultPort.
func withPort(port int) ConnOption {
	return newConnOptFunc("withPort", func(cfg *ConnectionConfig) error {
		if port < 0 || port > 65535 {
			return errors.New("port is out of range [1, 65535]")
		}
		if port != 0 {
			cfg.port = port
		}

		return nil
	})
}

// WithLocalAddr sets the local UDP address to bind, in "host:port" notation.
func WithLocalAddr(addr string) ConnOption {
	return newConnOptFunc("WithLocalAddr", func(cfg *ConnectionConfig) error {
		if _, err := net.ResolveUDPAddr("udp4", addr); err != nil {
			return err
		}
		cfg.localAddr = addr

		return nil
	})
}

// WithTunnelAddress requests a specific individual address for the tunnel.
//
// The default knx.BackboneRouter lets the server pick any free tunneling address.
func WithTunnelAddress(addr knx.IndividualAddress) ConnOption {
	return newConnOptFunc("WithTunnelAddress", func(cfg *ConnectionConfig) error {
		cfg.tunnelAddress = addr
		return nil
	})
}

// WithConnectTimeout sets the time to wait for the connect response.
//
// The valid range is [MinTimeout, MaxConnectTimeout], the default value is 10 seconds.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", func(cfg *ConnectionConfig) error {
		if val < MinTimeout || val > MaxConnectTimeout {
			return fmt.Errorf("connect timeout out of range [%v, %v]", MinTimeout, MaxConnectTimeout)
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithAckTimeout sets the time to wait for a tunneling acknowledge.
//
// The valid range is [MinTimeout, MaxAckTimeout], the default value is 1 second.
func WithAckTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithAckTimeout", func(cfg *ConnectionConfig) error {
		if val < MinTimeout || val > MaxAckTimeout {
			return fmt.Errorf("ack timeout out of range [%v, %v]", MinTimeout, MaxAckTimeout)
		}
		cfg.ackTimeout = val

		return nil
	})
}

// WithHeartbeat sets the connection state request interval, response timeout and attempts.
//
// The interval must be within [MinTimeout, MaxHeartbeatInterval], the timeout within
// [MinTimeout, interval] and attempts within [1, MaxHeartbeatAttempts].
func WithHeartbeat(interval, timeout time.Duration, attempts int) ConnOption {
	return newConnOptFunc("WithHeartbeat", func(cfg *ConnectionConfig) error {
		if interval < MinTimeout || interval > MaxHeartbeatInterval {
			return fmt.Errorf("heartbeat interval out of range [%v, %v]", MinTimeout, MaxHeartbeatInterval)
		}
		if timeout < MinTimeout || timeout > interval {
			return fmt.Errorf("heartbeat timeout out of range [%v, %v]", MinTimeout, interval)
		}
		if attempts < 1 || attempts > MaxHeartbeatAttempts {
			return fmt.Errorf("heartbeat attempts out of range [1, %d]", MaxHeartbeatAttempts)
		}
		cfg.heartbeatInterval = interval
		cfg.heartbeatTimeout = timeout
		cfg.heartbeatAttempts = attempts

		return nil
	})
}

// WithDisconnectTimeout sets the time to wait for the disconnect response when closing.
//
// The valid range is [MinTimeout, MaxAckTimeout], the default value is 1 second.
func WithDisconnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithDisconnectTimeout", func(cfg *ConnectionConfig) error {
		if val < MinTimeout || val > MaxAckTimeout {
			return fmt.Errorf("disconnect timeout out of range [%v, %v]", MinTimeout, MaxAckTimeout)
		}
		cfg.disconnectTimeout = val

		return nil
	})
}

// WithLogger sets the logger of the connection.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
