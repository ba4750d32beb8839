package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/gochat/internal/config"
	"github.com/Tyrowin/gochat/internal/realtime"
)

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	eventTimeout   = 5 * time.Second
)

// Client is one WebSocket connection. It implements realtime.Conn: the hub
// queues frames with Deliver and tears the connection down with Close.
// readPump feeds inbound events to the connection's Session; writePump
// drains the send queue onto the socket.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once
	server         *Server
	session        *realtime.Session
	addr           string
	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      config.RateLimitConfig
	logger         *zap.Logger
}

// NewClient wraps conn for the given server. The caller opens the session
// and starts the pumps.
func NewClient(conn *websocket.Conn, s *Server, addr string) *Client {
	cfg := s.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()

	c := &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		done:           make(chan struct{}),
		server:         s,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
		logger:         s.logger.With(zap.String("conn_id", id), zap.String("remote_addr", addr)),
	}
	c.session = realtime.NewSession(c, s.hub, s.members, c.logger)
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Deliver queues frame without blocking. It returns false when the queue is
// full or the client is closed.
func (c *Client) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close signals writePump to send a close frame and shut the socket. It is
// safe to call more than once and from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// GetSendChan returns the client's send queue for reading outgoing frames.
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

// handleReadError logs the read error at a level matching its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Message exceeded maximum size", zap.Int64("max_bytes", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("Client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("Unexpected WebSocket close", zap.Error(err))
	default:
		c.logger.Warn("WebSocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.logger.Warn("Rate limit exceeded; discarding message",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("refill_interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

// processMessage decodes one inbound frame and dispatches it. Failures are
// terminal for that frame only.
func (c *Client) processMessage(raw []byte) {
	var frame realtime.Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		c.logger.Debug("Invalid frame", zap.Error(err))
		c.sendError("invalid frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	if err := c.dispatch(ctx, frame); err != nil {
		c.logger.Warn("Error handling event", zap.String("event", frame.Event), zap.Error(err))
	}
}

func (c *Client) dispatch(ctx context.Context, frame realtime.Frame) error {
	switch frame.Event {
	case realtime.EventOnlineUsers:
		return c.session.RequestPresence(ctx)

	case realtime.EventJoinGroups:
		var groupIDs []string
		if err := json.Unmarshal(frame.Data, &groupIDs); err != nil {
			c.sendError("joinGroups expects an array of group ids")
			return nil
		}
		return c.session.JoinGroups(ctx, groupIDs)

	case realtime.EventJoinGroup:
		groupID, ok := decodeGroupID(frame.Data)
		if !ok {
			c.sendError("joinGroup expects a groupId")
			return nil
		}
		return c.session.JoinGroup(ctx, groupID)

	case realtime.EventLeaveGroup:
		groupID, ok := decodeGroupID(frame.Data)
		if !ok {
			c.sendError("leaveGroup expects a groupId")
			return nil
		}
		return c.session.LeaveGroup(ctx, groupID)

	case realtime.EventSendMessage:
		var req sendMessageRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			c.sendError("sendMessage expects {receiverId, text, image}")
			return nil
		}
		_, err := c.server.chat.SendDirect(ctx, c.session.Identity().UserID, req.ReceiverID, req.Text, req.Image)
		c.reportSendError(err)
		return nil

	case realtime.EventGroupMessage:
		var req sendMessageRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			c.sendError("groupMessage expects {groupId, text, image}")
			return nil
		}
		_, err := c.server.chat.SendGroup(ctx, c.session.Identity().UserID, req.GroupID, req.Text, req.Image)
		c.reportSendError(err)
		return nil

	default:
		c.logger.Debug("Ignoring unknown event", zap.String("event", frame.Event))
		return nil
	}
}

func (c *Client) reportSendError(err error) {
	if err == nil {
		return
	}
	status, message := errorStatus(err)
	if status >= 500 {
		c.logger.Error("Error sending message", zap.Error(err))
	}
	c.sendError(message)
}

// sendError queues an error event for this connection only.
func (c *Client) sendError(message string) {
	frame, err := realtime.EncodeFrame(realtime.EventError, realtime.ErrorNotice{Message: message})
	if err != nil {
		c.logger.Error("Error encoding error notice", zap.Error(err))
		return
	}
	if !c.Deliver(frame) {
		c.logger.Debug("Dropped error notice; send buffer full or closed")
	}
}

func (c *Client) readPump() {
	defer c.server.clients.Done()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := c.session.Close(ctx); err != nil {
			c.logger.Warn("Error closing session", zap.Error(err))
		}
		c.logger.Debug("Session closed", zap.Duration("connected_for", time.Since(c.session.CreatedAt())))
		c.Close()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(raw)
	}
}

func (c *Client) writePump() {
	defer c.server.clients.Done()
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
	case frame := <-c.send:
		return c.writeFrames(frame)
	case <-c.done:
		c.writeCloseMessage()
		return false
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the socket, which also unblocks readPump.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("Error closing connection", zap.Error(err))
	}
}

func (c *Client) writeCloseMessage() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("Error writing close message", zap.Error(err))
	}
}

// writeFrames writes frame and whatever else is already queued, each as its
// own text message so every message holds exactly one JSON frame.
func (c *Client) writeFrames(frame []byte) bool {
	if !c.writeTextMessage(frame) {
		return false
	}
	n := len(c.send)
	for i := 0; i < n; i++ {
		if !c.writeTextMessage(<-c.send) {
			return false
		}
	}
	return true
}

func (c *Client) writeTextMessage(frame []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("Error writing message", zap.Error(err))
		}
		return false
	}
	return true
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

// decodeGroupID accepts either a bare JSON string or {"groupId": "..."}.
func decodeGroupID(data json.RawMessage) (string, bool) {
	var groupID string
	if err := json.Unmarshal(data, &groupID); err == nil {
		return groupID, groupID != ""
	}
	var req groupRequest
	if err := json.Unmarshal(data, &req); err == nil {
		return req.GroupID, req.GroupID != ""
	}
	return "", false
}
