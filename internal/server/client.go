package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/dashrouter/internal/metrics"
	"github.com/Tyrowin/dashrouter/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client is one WebSocket connection. It satisfies protocol.Conn so
// handlers can reply to it directly.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	dispatcher *protocol.Dispatcher
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a Client for conn. The hub starts its pumps once the
// client is registered.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg Config, d *protocol.Dispatcher) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		dispatcher:     d,
		logger:         hub.logger.With(zap.String("client", id), zap.String("remote", addr)),
		metrics:        hub.metrics,
	}
}

// ID returns the server-assigned connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues msg for this client only. It returns ErrClientGone once the
// client has disconnected.
func (c *Client) Send(msg []byte) error {
	return c.hub.safeSend(c, msg)
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Debug("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected WebSocket close", zap.Error(err))
	default:
		c.logger.Debug("WebSocket read ended", zap.Error(err))
	}
}

func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn("rate limit exceeded; discarding message",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
		c.metrics.Dropped(metrics.ReasonRateLimited)
		return false
	}
	return true
}

// readPump dispatches inbound frames one at a time, in arrival order.
func (c *Client) readPump() {
	ctx, cancel := context.WithCancel(c.hub.ctx)
	defer func() {
		cancel()
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		messageType, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("dropping non-text frame", zap.Int("type", messageType))
			c.metrics.Dropped(metrics.ReasonMalformed)
			continue
		}

		c.dispatcher.Handle(ctx, c, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error closing connection in writePump", zap.Error(err))
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.writeCloseMessage()
				return
			}
			if !c.writeTextMessage(message) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

func (c *Client) writeCloseMessage() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error writing close message", zap.Error(err))
	}
}

// writeTextMessage writes one JSON document as one text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("error writing ping", zap.Error(err))
		return false
	}
	return true
}
