package stream

import (
	"fmt"
	"log/slog"
	"os"

	"pve-pulse/internal/config"
)

const defaultSnapshotStreamMethod = "/pulse.v1.TelemetryService/StreamSnapshots"

// NewSinkFromConfig returns nil when forwarding is disabled.
func NewSinkFromConfig(cfg config.Config, logger *slog.Logger) (Sink, error) {
	if cfg.ForwardMode == config.ForwardModeNone || cfg.ForwardMode == "" {
		return nil, nil
	}
	tlsCfg, err := cfg.ForwardTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("forward tls: %w", err)
	}

	switch cfg.ForwardMode {
	case config.ForwardModeGRPC:
		return NewGRPCClient(cfg.ForwardGRPCAddr, tlsCfg, cfg.ForwardToken, defaultSnapshotStreamMethod, logger), nil
	case config.ForwardModeWebSocket:
		source, _ := os.Hostname()
		return NewWebSocketClient(
			cfg.ForwardWSURL,
			cfg.ForwardToken,
			source,
			tlsCfg,
			cfg.WebSocketWriteTimeout,
			cfg.WebSocketPingInterval,
			logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported forward mode %q", cfg.ForwardMode)
	}
}
