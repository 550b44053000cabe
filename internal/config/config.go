// Package config loads the YAML configuration of the knxsec command.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-knx/knx"
	"github.com/arloliu/go-knx/logger"
	"github.com/arloliu/go-knx/secure"
	"github.com/arloliu/go-knx/tunnel"
)

// ErrInvalid indicates a configuration value out of range or not parsable.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the configuration of a tunnel connection to a KNXnet/IP server.
//
// Durations use the time.ParseDuration notation, e.g. "1.5s".
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Server   ServerConfig `yaml:"server"`
	Secure   SecureConfig `yaml:"secure"`
}

// ServerConfig describes the KNXnet/IP server and the tunnel connection parameters.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	LocalAddr         string        `yaml:"local_addr"`
	TunnelAddress     string        `yaml:"tunnel_address"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatAttempts int           `yaml:"heartbeat_attempts"`
}

// SecureConfig holds the KNX IP Secure credentials of the tunneling user.
//
// Secure tunneling is used if UserID is set.
type SecureConfig struct {
	UserID         int           `yaml:"user_id"`
	UserPassword   string        `yaml:"user_password"`
	DeviceAuthCode string        `yaml:"device_auth_code"`
	SerialNumber   string        `yaml:"serial_number"`
	SetupTimeout   time.Duration `yaml:"setup_timeout"`
}

// Default returns the configuration used for values not present in a configuration file.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:              tunnel.DefaultPort,
			ConnectTimeout:    tunnel.DefaultConnectTimeout,
			AckTimeout:        tunnel.DefaultAckTimeout,
			HeartbeatInterval: tunnel.DefaultHeartbeatInterval,
			HeartbeatTimeout:  tunnel.DefaultHeartbeatTimeout,
			HeartbeatAttempts: tunnel.DefaultHeartbeatAttempts,
		},
		Secure: SecureConfig{
			SetupTimeout: secure.DefaultSetupTimeout,
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes data on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values which are not checked by the tunnel and session options.
func (cfg *Config) Validate() error {
	if _, err := logger.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if cfg.Server.Host == "" {
		return fmt.Errorf("%w: server host is required", ErrInvalid)
	}
	if cfg.Server.TunnelAddress != "" {
		if _, err := knx.ParseIndividualAddress(cfg.Server.TunnelAddress); err != nil {
			return fmt.Errorf("%w: tunnel address: %w", ErrInvalid, err)
		}
	}

	sc := cfg.Secure
	if !sc.Enabled() {
		return nil
	}
	if sc.UserID < 1 || sc.UserID > 127 {
		return fmt.Errorf("%w: secure user id %d out of range [1, 127]", ErrInvalid, sc.UserID)
	}
	if sc.UserPassword == "" {
		return fmt.Errorf("%w: secure user password is required", ErrInvalid)
	}
	if sc.SerialNumber != "" {
		if _, err := knx.ParseSerialNumber(sc.SerialNumber); err != nil {
			return fmt.Errorf("%w: serial number: %w", ErrInvalid, err)
		}
	}

	return nil
}

// Level returns the parsed log level.
func (cfg *Config) Level() logger.LogLevel {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return logger.InfoLevel
	}

	return level
}

// ConnectionConfig creates the tunnel connection configuration. A nil l keeps the default logger.
func (cfg *Config) ConnectionConfig(l logger.Logger) (*tunnel.ConnectionConfig, error) {
	sc := cfg.Server
	opts := []tunnel.ConnOption{
		tunnel.WithConnectTimeout(sc.ConnectTimeout),
		tunnel.WithAckTimeout(sc.AckTimeout),
		tunnel.WithHeartbeat(sc.HeartbeatInterval, sc.HeartbeatTimeout, sc.HeartbeatAttempts),
	}
	if l != nil {
		opts = append(opts, tunnel.WithLogger(l))
	}
	if sc.LocalAddr != "" {
		opts = append(opts, tunnel.WithLocalAddr(sc.LocalAddr))
	}
	if sc.TunnelAddress != "" {
		addr, err := knx.ParseIndividualAddress(sc.TunnelAddress)
		if err != nil {
			return nil, fmt.Errorf("%w: tunnel address: %w", ErrInvalid, err)
		}
		opts = append(opts, tunnel.WithTunnelAddress(addr))
	}

	return tunnel.NewConnectionConfig(sc.Host, sc.Port, opts...)
}

// Enabled reports whether secure tunneling is configured.
func (sc SecureConfig) Enabled() bool {
	return sc.UserID != 0
}

// NewSession creates the secure session of the configured tunneling user.
func (sc SecureConfig) NewSession(l logger.Logger) (*secure.Session, error) {
	opts := []secure.SessionOption{secure.WithSetupTimeout(sc.SetupTimeout)}
	if l != nil {
		opts = append(opts, secure.WithSessionLogger(l))
	}
	if sc.DeviceAuthCode != "" {
		opts = append(opts, secure.WithDeviceAuthCode(secure.DeviceAuthCodeHash(sc.DeviceAuthCode)))
	}
	if sc.SerialNumber != "" {
		sn, err := knx.ParseSerialNumber(sc.SerialNumber)
		if err != nil {
			return nil, fmt.Errorf("%w: serial number: %w", ErrInvalid, err)
		}
		opts = append(opts, secure.WithSerialNumber(sn))
	}

	return secure.NewSession(uint8(sc.UserID), secure.UserPasswordHash(sc.UserPassword), opts...) //nolint:gosec
}
