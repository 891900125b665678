package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"pve-pulse/internal/model"
)

const (
	wsDialTimeout = 10 * time.Second
	wsPingTimeout = 3 * time.Second
	wsReadLimit   = 1 << 20
)

// WebSocketClient forwards snapshot envelopes as text messages over one
// long-lived connection, redialing lazily after a failed write.
type WebSocketClient struct {
	logger  *slog.Logger
	url     string
	source  string
	dialOpt *websocket.DialOptions
	timeout time.Duration
	ping    time.Duration

	mu   sync.Mutex
	link *wsLink
}

// wsLink is one dialed connection and the keepalive goroutine bound to it.
type wsLink struct {
	conn *websocket.Conn
	stop context.CancelFunc
}

func (l *wsLink) close(code websocket.StatusCode, reason string) error {
	l.stop()
	return l.conn.Close(code, reason)
}

func NewWebSocketClient(url, token, source string, tlsCfg *tls.Config, writeTimeout, pingInterval time.Duration, logger *slog.Logger) *WebSocketClient {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 10 * time.Second
	}
	opt := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if token != "" {
		opt.HTTPHeader.Set("Authorization", "Bearer "+token)
	}
	if tlsCfg != nil {
		opt.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
	}
	return &WebSocketClient{
		logger:  logger.With("sink", "websocket", "url", url),
		url:     url,
		source:  source,
		dialOpt: opt,
		timeout: writeTimeout,
		ping:    pingInterval,
	}
}

func (c *WebSocketClient) SendSnapshot(ctx context.Context, f model.SnapshotFrame) error {
	payload, err := EncodeEnvelope(NewSnapshotEnvelope(c.source, f))
	if err != nil {
		return fmt.Errorf("encode snapshot envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if c.link == nil {
			link, err := c.dial(ctx)
			if err != nil {
				return err
			}
			c.link = link
		}
		wctx, cancel := context.WithTimeout(ctx, c.timeout)
		lastErr = c.link.conn.Write(wctx, websocket.MessageText, payload)
		cancel()
		if lastErr == nil {
			return nil
		}
		c.logger.Warn("snapshot write failed, dropping connection", "attempt", attempt+1, "version", f.Version, "error", lastErr)
		_ = c.link.close(websocket.StatusInternalError, "reconnect")
		c.link = nil
	}
	return fmt.Errorf("write snapshot v%d: %w", f.Version, lastErr)
}

func (c *WebSocketClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	err := c.link.close(websocket.StatusNormalClosure, "shutdown")
	c.link = nil
	return err
}

func (c *WebSocketClient) dial(ctx context.Context) (*wsLink, error) {
	dctx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, c.url, c.dialOpt)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(wsReadLimit)

	kctx, stop := context.WithCancel(context.Background())
	// CloseRead drains inbound frames so pongs are processed.
	go keepalive(conn.CloseRead(kctx), conn, c.ping)
	c.logger.Info("snapshot forwarder connected")
	return &wsLink{conn: conn, stop: stop}, nil
}

func keepalive(ctx context.Context, conn *websocket.Conn, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			_ = conn.Ping(pctx)
			cancel()
		}
	}
}
