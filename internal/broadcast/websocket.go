package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"pve-pulse/internal/metrics"
	"pve-pulse/internal/model"
)

const KindWebSocket = "websocket"

// WSHandler upgrades HTTP requests to push-only websocket subscribers.
type WSHandler struct {
	coord        *Coordinator
	logger       *slog.Logger
	metrics      *metrics.Registry
	writeTimeout time.Duration
	pingInterval time.Duration
}

func NewWSHandler(coord *Coordinator, writeTimeout, pingInterval time.Duration, logger *slog.Logger, reg *metrics.Registry) *WSHandler {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &WSHandler{
		coord:        coord,
		logger:       logger,
		metrics:      reg,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c.SetReadLimit(4 << 10)

	// Subscribers never send; CloseRead answers control frames and cancels
	// ctx once the peer goes away.
	ctx, cancel := context.WithCancel(c.CloseRead(context.Background()))
	defer cancel()
	go h.pingLoop(ctx, cancel, c)

	h.metrics.SubscriberConnected()
	defer h.metrics.SubscriberDisconnected()

	err = h.coord.Serve(ctx, KindWebSocket, &wsConn{conn: c, writeTimeout: h.writeTimeout})
	switch {
	case errors.Is(err, ErrShutdown):
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	case err != nil:
		_ = c.Close(websocket.StatusInternalError, "delivery failed")
	default:
		_ = c.CloseNow()
	}
}

func (h *WSHandler) pingLoop(ctx context.Context, cancel context.CancelFunc, c *websocket.Conn) {
	t := time.NewTicker(h.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, h.writeTimeout)
			err := c.Ping(pingCtx)
			pingCancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// Send writes the {"data":[...]} payload as one text message.
func (c *wsConn) Send(ctx context.Context, s model.Snapshot) error {
	payload, err := EncodePayload(s)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, payload)
}

func EncodePayload(s model.Snapshot) ([]byte, error) {
	b, err := json.Marshal(model.NewPayload(s))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
