package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"pve-pulse/internal/model"
)

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// GRPCClient streams snapshot frames over one long-lived client stream,
// reopening it once when a send fails.
type GRPCClient struct {
	mu sync.Mutex

	logger    *slog.Logger
	addr      string
	tlsConfig *tls.Config
	token     string
	method    string
	conn      *grpc.ClientConn
	stream    grpc.ClientStream
	cancel    context.CancelFunc
}

func NewGRPCClient(addr string, tlsCfg *tls.Config, token, method string, logger *slog.Logger) *GRPCClient {
	encoding.RegisterCodec(jsonCodec{})
	return &GRPCClient{
		logger:    logger,
		addr:      addr,
		tlsConfig: tlsCfg,
		token:     token,
		method:    method,
	}
}

func (c *GRPCClient) SendSnapshot(ctx context.Context, f model.SnapshotFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnLocked(); err != nil {
		return err
	}
	if c.stream == nil {
		if err := c.openStreamLocked(); err != nil {
			return err
		}
	}
	if err := c.stream.SendMsg(f); err != nil {
		c.logger.Warn("grpc snapshot send failed, reopening stream", "version", f.Version, "error", err)
		c.closeStreamLocked()
		if err2 := c.openStreamLocked(); err2 != nil {
			return fmt.Errorf("reopen snapshot stream: %w", err2)
		}
		if err2 := c.stream.SendMsg(f); err2 != nil {
			c.closeStreamLocked()
			return fmt.Errorf("send snapshot frame: %w", err2)
		}
	}
	return nil
}

func (c *GRPCClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		_ = c.stream.CloseSend()
	}
	c.closeStreamLocked()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *GRPCClient) ensureConnLocked() error {
	if c.conn != nil {
		return nil
	}

	var creds credentials.TransportCredentials
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(
		c.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return fmt.Errorf("grpc client %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.Info("grpc forwarder configured", "addr", c.addr)
	return nil
}

// openStreamLocked opens the client stream on a context that outlives any
// single send; closeStreamLocked releases it.
func (c *GRPCClient) openStreamLocked() error {
	if c.conn == nil {
		return fmt.Errorf("grpc conn is nil")
	}
	streamCtx, cancel := context.WithCancel(c.decorateContext(context.Background()))
	s, err := c.conn.NewStream(streamCtx, &grpc.StreamDesc{ClientStreams: true}, c.method)
	if err != nil {
		cancel()
		return fmt.Errorf("open snapshot stream: %w", err)
	}
	c.stream = s
	c.cancel = cancel
	return nil
}

func (c *GRPCClient) closeStreamLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.stream = nil
}

func (c *GRPCClient) decorateContext(ctx context.Context) context.Context {
	if c.token != "" {
		return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	return ctx
}
