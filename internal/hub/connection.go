package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Connection is one signaling websocket. Identity and role are empty until
// the client joins.
type Connection struct {
	// Server-assigned id, returned in joined
	id string

	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound frames
	send chan []byte

	limiter *rate.Limiter
	logger  zerolog.Logger

	// Set by the auth middleware, empty in development
	authIdentity string
	authRole     string

	// Guarded by hub.mu
	identity string
	role     types.Role
	name     string

	// done is closed when the read pump exits
	done chan struct{}

	// closeOnce ensures send channel is closed only once
	closeOnce sync.Once
}

func newConnection(h *Hub, conn *websocket.Conn, logger zerolog.Logger) *Connection {
	id := uuid.New().String()
	return &Connection{
		id:      id,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.opts.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.opts.RateLimit), h.opts.RateBurst),
		logger:  logger.With().Str("connection_id", id).Logger(),
		done:    make(chan struct{}),
	}
}

// readPump pumps frames from the websocket connection to the hub
func (c *Connection) readPump() {
	defer func() {
		close(c.done)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			break
		}
		c.hub.metrics.RecordWebSocketMessage()

		if !c.limiter.Allow() {
			c.hub.metrics.RecordRateLimited()
			c.sendError("", "rate limit exceeded")
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.hub.metrics.RecordWebSocketError()
			c.logger.Debug().Err(err).Msg("failed to parse frame")
			c.sendError("", "malformed frame")
			continue
		}

		c.hub.handle(c, env)
	}
}

// writePump pumps frames from the hub to the websocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the connection's read and write pumps
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

// Close safely closes the send channel (idempotent). The write pump then
// sends a close frame.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		defer func() {
			recover() // absorb panic if channel was already closed
		}()
		close(c.send)
	})
}

// safeSend attempts to queue a frame, recovering from panic if channel is closed
func (c *Connection) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn().Msg("send buffer full, dropping frame")
		return false
	}
}

// sendEvent queues one envelope. requestID is echoed for request/reply events.
func (c *Connection) sendEvent(event types.Event, payload interface{}, requestID string) bool {
	env, err := types.NewEnvelope(event, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("event", string(event)).Msg("failed to encode frame")
		return false
	}
	env.RequestID = requestID
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Str("event", string(event)).Msg("failed to encode frame")
		return false
	}
	return c.safeSend(data)
}

func (c *Connection) sendError(requestID, message string) {
	c.sendEvent(types.EventError, types.ErrorMessage{Message: message}, requestID)
}
