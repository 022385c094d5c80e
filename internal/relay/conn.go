package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type outbound struct {
	messageType int
	data        []byte
}

type inbound struct {
	conn        *Conn
	messageType int
	data        []byte
}

// Conn is one peer connection. The hub is the only writer to send and the
// only one that closes it.
type Conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	send       chan outbound
	limiter    *rate.Limiter
	logger     *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, ws *websocket.Conn, cfg Config) *Conn {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.EventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.EventBurst)
	}
	return &Conn{
		id:         id,
		remoteAddr: ws.RemoteAddr().String(),
		ws:         ws,
		send:       make(chan outbound, cfg.SendQueue),
		limiter:    limiter,
		logger:     cfg.Logger.With("conn", id),
		done:       make(chan struct{}),
	}
}

// enqueue hands a frame to the write pump without blocking. It reports
// false when the peer is not draining its queue.
func (c *Conn) enqueue(messageType int, data []byte) bool {
	select {
	case c.send <- outbound{messageType: messageType, data: data}:
		return true
	default:
		return false
	}
}

// close is called by the hub exactly once per connection.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		close(c.done)
	})
}

// readPump forwards frames to the hub until the socket fails, then reports
// the disconnect.
func (c *Conn) readPump(ctx context.Context, h *Hub, cfg Config) {
	reason := "closed"
	defer func() {
		h.unregisterConn(c, reason)
	}()

	c.ws.SetReadLimit(cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			reason = disconnectReason(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("Read failed", "error", err)
			}
			return
		}

		if err := c.limiter.Wait(ctx); err != nil {
			reason = "server shutting down"
			return
		}

		if !h.deliver(ctx, inbound{conn: c, messageType: messageType, data: data}) {
			reason = "server shutting down"
			return
		}
	}
}

// writePump drains send and keeps the connection alive with pings.
func (c *Conn) writePump(cfg Config) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				c.logger.Debug("Write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func disconnectReason(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseGoingAway:
			return "client going away"
		case websocket.CloseNormalClosure:
			return "client closed"
		default:
			return closeErr.Error()
		}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ping timeout"
	}
	return "transport error"
}
