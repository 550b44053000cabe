package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-knx/internal/config"
	"github.com/arloliu/go-knx/knx"
	"github.com/arloliu/go-knx/knxnetip"
	"github.com/arloliu/go-knx/logger"
	"github.com/arloliu/go-knx/tunnel"
)

// tunnelConn is the part of the plain and the secure tunnel connection used by the connect command.
type tunnelConn interface {
	Open(ctx context.Context) error
	Close() error
	Send(ctx context.Context, cemi []byte) error
	AddFrameHandler(handlers ...tunnel.FrameHandler)
	Address() knx.IndividualAddress
	ChannelID() uint8
	WaitState(ctx context.Context, state knxnetip.ConnState) error
	Metrics() *tunnel.ConnectionMetrics
}

func newConnectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a tunnel connection and print received cEMI frames",
		Long: `Open a tunnel connection to the configured KNXnet/IP server, send the given cEMI frames and
print every received cEMI frame in hex until interrupted or the duration elapses.`,
		RunE: runConnect,
	}

	cmd.Flags().String("host", "", "KNXnet/IP server host, overrides the configuration")
	cmd.Flags().Int("port", 0, "KNXnet/IP server port, overrides the configuration")
	cmd.Flags().Duration("duration", 0, "close the connection after this duration, 0 waits for an interrupt")
	cmd.Flags().StringSlice("send", nil, "hex encoded cEMI frames to send after connecting")

	return cmd
}

func runConnect(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sendHex, _ := cmd.Flags().GetStringSlice("send")
	frames := make([][]byte, 0, len(sendHex))
	for _, s := range sendHex {
		frame, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid cEMI frame %q: %w", s, err)
		}
		frames = append(frames, frame)
	}

	l := logger.NewSlog(cfg.Level(), false)
	conn, err := newTunnelConn(cmd.Context(), cfg, l)
	if err != nil {
		return err
	}

	var outMu sync.Mutex
	out := cmd.OutOrStdout()
	conn.AddFrameHandler(func(cemi []byte) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, "recv %s\n", hex.EncodeToString(cemi))
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	if err := conn.Open(ctx); err != nil {
		return fmt.Errorf("open tunnel to %s: %w", cfg.Server.Host, err)
	}
	defer conn.Close()

	outMu.Lock()
	fmt.Fprintf(out, "connected: channel %d, address %s\n", conn.ChannelID(), conn.Address())
	outMu.Unlock()

	for _, frame := range frames {
		if err := conn.Send(ctx, frame); err != nil {
			return fmt.Errorf("send cEMI frame: %w", err)
		}
	}

	// returns early if the server or a failed heartbeat closes the tunnel
	if err := conn.WaitState(ctx, knxnetip.NotConnectedState); err == nil {
		outMu.Lock()
		fmt.Fprintln(out, "tunnel closed")
		outMu.Unlock()
	}
	printMetrics(out, &outMu, conn.Metrics())

	return nil
}

func newTunnelConn(ctx context.Context, cfg *config.Config, l logger.Logger) (tunnelConn, error) {
	cc, err := cfg.ConnectionConfig(l)
	if err != nil {
		return nil, err
	}

	if !cfg.Secure.Enabled() {
		conn, err := tunnel.NewConnection(ctx, cc)
		if err != nil {
			return nil, err
		}

		return conn, nil
	}

	session, err := cfg.Secure.NewSession(l)
	if err != nil {
		return nil, err
	}
	conn, err := tunnel.NewSecureConnection(ctx, cc, session)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// loadConfig reads the configuration file given by the config flag and applies the flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func printMetrics(w io.Writer, mu *sync.Mutex, m *tunnel.ConnectionMetrics) {
	mu.Lock()
	defer mu.Unlock()

	fmt.Fprintf(w, "frames sent %d, received %d, dropped %d\n",
		m.FrameSendCount.Load(), m.FrameRecvCount.Load(), m.FrameDropCount.Load())
	fmt.Fprintf(w, "tunneling requests sent %d, received %d, failed %d\n",
		m.TunnelReqSendCount.Load(), m.TunnelReqRecvCount.Load(), m.TunnelReqErrCount.Load())
	fmt.Fprintf(w, "heartbeats %d, failed %d\n", m.HeartbeatSendCount.Load(), m.HeartbeatErrCount.Load())
}
