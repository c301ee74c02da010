// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/floorsync/internal/presence"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// frameEvents are the event kinds a client may trigger with a text frame.
// Connect and disconnect come from the socket lifecycle only.
var frameEvents = map[presence.EventKind]bool{
	presence.EventMessage:          true,
	presence.EventRefreshUserCount: true,
	presence.EventRefreshUserList:  true,
	presence.EventSwitchFloor:      true,
}

// Client is one WebSocket session. Its id is the connection id used by the
// presence layer.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	dispatcher     Dispatcher
	addr           string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
	logger         *zap.Logger
}

// NewClient creates a new Client instance for connection id. The client's send
// channel is buffered to absorb broadcast bursts.
func NewClient(id string, conn *websocket.Conn, hub *Hub, dispatcher Dispatcher, addr string) *Client {
	cfg := CurrentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		hub:            hub,
		dispatcher:     dispatcher,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         hub.logger.With(zap.String("connection_id", id), zap.String("addr", addr)),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("Error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Warn("Frame exceeded maximum size", zap.Int64("max_bytes", c.maxMessageSize))
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		c.logger.Info("Client disconnected", zap.Error(err))
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		c.logger.Info("Client connection closed", zap.Error(err))
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		c.logger.Warn("Unexpected WebSocket close", zap.Error(err))
		return true
	}

	c.logger.Warn("WebSocket read error", zap.Error(err))
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the frame should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.logger.Warn("Rate limit exceeded; discarding frame",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("refill_interval", c.rateLimit.RefillInterval),
		)
		return false
	}
	return true
}

// processFrame turns one text frame into a presence event and dispatches it.
// A failed event is echoed back to this client as {"error": ...}. It returns
// true if the event succeeded.
func (c *Client) processFrame(raw []byte) bool {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Warn("Invalid frame", zap.Error(err))
		c.reply(presence.ErrorBody{Error: "invalid frame: " + err.Error()})
		return false
	}

	kind := presence.EventKind(frame.Action)
	if !frameEvents[kind] {
		c.logger.Warn("Unsupported action", zap.String("action", frame.Action))
		c.reply(presence.ErrorBody{Error: "unsupported action: " + frame.Action})
		return false
	}

	resp := c.dispatcher.Dispatch(c.hub.ctx, presence.Event{
		Kind:         kind,
		ConnectionID: c.id,
		Body:         string(raw),
	})
	if !resp.OK() {
		c.reply(resp.Body)
		return false
	}
	return true
}

// reply queues body for this client only.
func (c *Client) reply(body any) {
	data, err := json.Marshal(body)
	if err != nil {
		c.logger.Error("Error encoding reply", zap.Error(err))
		return
	}
	if err := c.hub.Send(c.hub.ctx, c.id, data); err != nil {
		c.logger.Warn("Error queuing reply", zap.Error(err))
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("Error closing connection in readPump", zap.Error(err))
		}
		c.disconnect()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				break
			}
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processFrame(raw)
	}
}

// disconnect dispatches $disconnect. It does not use the hub context, which is
// already cancelled when sockets close during shutdown.
func (c *Client) disconnect() {
	resp := c.dispatcher.Dispatch(context.Background(), presence.Event{
		Kind:         presence.EventDisconnect,
		ConnectionID: c.id,
	})
	if !resp.OK() {
		c.logger.Warn("Disconnect cleanup failed", zap.Any("response", resp.Body))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("Error closing connection in writePump", zap.Error(err))
	}
}

// handleMessage writes one outgoing payload and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	// Each payload is its own frame; clients parse one JSON document per frame.
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.Warn("Error writing message", zap.Error(err))
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("Error writing close message", zap.Error(err))
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("Error writing ping message", zap.Error(err))
		return false
	}
	return true
}
