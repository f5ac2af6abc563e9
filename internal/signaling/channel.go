// Package signaling implements the client side of the call-control
// websocket: a named-event channel with handshake, request/reply and
// automatic reconnection after unexpected drops.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/backoff"
	"github.com/dennisdiepolder/monti/callcore/internal/events"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// DefaultConnectTimeout bounds dial plus handshake acknowledgment
	DefaultConnectTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds a request/reply round trip
	DefaultRequestTimeout = 5 * time.Second

	// Write timeout
	writeTimeout = 10 * time.Second
)

var (
	ErrConnectTimeout = errors.New("signaling: connect timeout")
	ErrRequestTimeout = errors.New("signaling: request timeout")
	ErrNotConnected   = errors.New("signaling: not connected")
	ErrClosed         = errors.New("signaling: channel closed")
	ErrHandshake      = errors.New("signaling: handshake rejected")
	ErrRejected       = errors.New("signaling: request rejected")
)

// Handshake is the join message sent after the transport opens and the
// event that acknowledges it
type Handshake struct {
	Event   types.Event
	Payload interface{}
	Ack     types.Event
}

// Options configures a Channel
type Options struct {
	URL            string
	Role           types.Role
	Identity       string
	Name           string
	Header         http.Header
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Policy         backoff.Policy
	Dialer         *websocket.Dialer

	// Handshake overrides the default join_room/joined exchange
	Handshake *Handshake
}

// Channel is one client's signaling connection. It is safe for concurrent use.
type Channel struct {
	opts   Options
	bus    *events.Bus
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       *websocket.Conn
	state      types.ConnectionState
	attempt    int
	generation uint64
	closed     bool // Closed by the owner, no reconnects
	kicked     bool // Server sent force_disconnect

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan types.Envelope
}

// New creates a Channel in the disconnected state. Connect must be called to open it.
func New(opts Options, logger zerolog.Logger) *Channel {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.SignalingDefault
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Handshake == nil {
		opts.Handshake = &Handshake{
			Event:   types.EventJoinRoom,
			Payload: types.JoinRoom{Role: opts.Role, Identity: opts.Identity, Name: opts.Name},
			Ack:     types.EventJoined,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := logger.With().
		Str("component", "signaling").
		Str("role", string(opts.Role)).
		Str("identity", opts.Identity).
		Logger()

	return &Channel{
		opts:    opts,
		bus:     events.New(log),
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
		state:   types.ConnDisconnected,
		pending: make(map[string]chan types.Envelope),
	}
}

// Bus returns the channel's event bus
func (c *Channel) Bus() *events.Bus {
	return c.bus
}

// Role returns the role this channel joined as
func (c *Channel) Role() types.Role {
	return c.opts.Role
}

// Identity returns the stable id this channel joined with
func (c *Channel) Identity() string {
	return c.opts.Identity
}

// State returns the current connection state
func (c *Channel) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempt returns the current reconnect attempt, 0 when connected
func (c *Channel) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Connect opens the transport and performs the join handshake.
// A failed initial connect is reported and returned, never retried here.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != types.ConnDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.kicked = false
	c.mu.Unlock()

	c.setState(types.ConnConnecting)

	conn, ack, err := c.dialAndJoin(ctx)
	if err == nil {
		err = c.install(conn)
	}
	if err != nil {
		c.setState(types.ConnDisconnected)
		c.logger.Warn().Err(err).Str("url", c.opts.URL).Msg("signaling connect failed")
		events.Publish(c.bus, ConnectionError{Err: err})
		return err
	}

	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.setState(types.ConnConnected)
	c.logger.Info().Str("url", c.opts.URL).Msg("signaling connected")
	c.dispatch(ack)
	return nil
}

// dialAndJoin opens a websocket and waits for the handshake acknowledgment
func (c *Channel) dialAndJoin(ctx context.Context) (*websocket.Conn, types.Envelope, error) {
	var ack types.Envelope

	cctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := c.opts.Dialer.DialContext(cctx, c.opts.URL, c.opts.Header)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, ack, fmt.Errorf("%w: dial %s: %v", ErrConnectTimeout, c.opts.URL, err)
		}
		return nil, ack, fmt.Errorf("signaling: dial %s: %w", c.opts.URL, err)
	}

	hs := c.opts.Handshake
	join, err := types.NewEnvelope(hs.Event, hs.Payload)
	if err != nil {
		conn.Close()
		return nil, ack, fmt.Errorf("signaling: encode %s: %w", hs.Event, err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, ack, fmt.Errorf("signaling: send %s: %w", hs.Event, err)
	}

	deadline, _ := cctx.Deadline()
	conn.SetReadDeadline(deadline)

	for {
		var reply types.Envelope
		if err := conn.ReadJSON(&reply); err != nil {
			conn.Close()
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ack, fmt.Errorf("%w: no %s within %s", ErrConnectTimeout, hs.Ack, c.opts.ConnectTimeout)
			}
			return nil, ack, fmt.Errorf("signaling: handshake: %w", err)
		}

		switch reply.Event {
		case hs.Ack:
			conn.SetReadDeadline(time.Time{})
			return conn, reply, nil
		case types.EventError:
			var msg types.ErrorMessage
			_ = reply.Decode(&msg)
			conn.Close()
			return nil, ack, fmt.Errorf("%w: %s", ErrHandshake, msg.Message)
		default:
			c.logger.Debug().Str("event", string(reply.Event)).Msg("dropping frame received before handshake ack")
		}
	}
}

// install makes conn the live connection and starts its read loop
func (c *Channel) install(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	return nil
}

// readLoop reads frames until the connection fails
func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse signaling frame")
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes a frame to a pending request or publishes it
func (c *Channel) dispatch(env types.Envelope) {
	if env.RequestID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.RequestID]
		if ok {
			delete(c.pending, env.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
			return
		}
	}

	if env.Event == types.EventForceDisconnect {
		c.mu.Lock()
		c.kicked = true
		c.mu.Unlock()
		c.logger.Warn().Msg("server requested disconnect")
	}

	events.Publish(c.bus, Message{Envelope: env})
}

// handleDrop decides between staying down and reconnecting
func (c *Channel) handleDrop(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	intentional := c.closed
	kicked := c.kicked
	c.mu.Unlock()

	if !intentional && !kicked {
		c.logger.Warn().Err(err).Msg("signaling connection lost")
	}

	events.Publish(c.bus, Disconnected{
		Err:             err,
		Intentional:     intentional,
		ServerInitiated: kicked,
	})

	if intentional || kicked {
		c.setState(types.ConnDisconnected)
		return
	}

	c.reconnectLoop()
}

// reconnectLoop redials with capped exponential backoff
func (c *Channel) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		if c.opts.Policy.Exhausted(attempt) {
			c.setState(types.ConnDisconnected)
			c.logger.Error().Int("attempts", attempt-1).Msg("signaling reconnect exhausted")
			events.Publish(c.bus, ReconnectExhausted{Attempts: attempt - 1})
			return
		}

		delay := c.opts.Policy.Delay(attempt)
		c.setState(types.ConnConnecting)
		c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		events.Publish(c.bus, Reconnecting{Attempt: attempt, Delay: delay})

		if err := backoff.Wait(c.ctx, delay); err != nil {
			return
		}

		conn, ack, err := c.dialAndJoin(c.ctx)
		if err == nil {
			err = c.install(conn)
		}
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			events.Publish(c.bus, ConnectionError{Err: err})
			continue
		}

		c.mu.Lock()
		c.attempt = 0
		c.mu.Unlock()
		c.setState(types.ConnConnected)
		c.logger.Info().Int("attempt", attempt).Msg("signaling reconnected")
		events.Publish(c.bus, Reconnected{Attempt: attempt})
		c.dispatch(ack)
		return
	}
}

// setState records a state transition and publishes it
func (c *Channel) setState(to types.ConnectionState) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	events.Publish(c.bus, StateChanged{From: from, To: to})
}

// Send emits a named event without waiting for any reply
func (c *Channel) Send(event types.Event, payload interface{}) error {
	env, err := types.NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("signaling: encode %s: %w", event, err)
	}
	return c.write(env)
}

// Request emits event and waits for the frame carrying the same request id
func (c *Channel) Request(ctx context.Context, event types.Event, payload interface{}) (types.Envelope, error) {
	env, err := types.NewEnvelope(event, payload)
	if err != nil {
		return types.Envelope{}, fmt.Errorf("signaling: encode %s: %w", event, err)
	}
	env.RequestID = uuid.New().String()

	reply := make(chan types.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.RequestID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return types.Envelope{}, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-reply:
		if r.Event == types.EventError {
			var msg types.ErrorMessage
			_ = r.Decode(&msg)
			return r, fmt.Errorf("%w: %s: %s", ErrRejected, event, msg.Message)
		}
		return r, nil
	case <-timer.C:
		return types.Envelope{}, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, event, c.opts.RequestTimeout)
	case <-ctx.Done():
		return types.Envelope{}, ctx.Err()
	}
}

// write sends one frame on the live connection
func (c *Channel) write(env types.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != types.ConnConnected {
		return fmt.Errorf("%w: cannot send %s", ErrNotConnected, env.Event)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("signaling: encode %s: %w", env.Event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write %s: %w", env.Event, err)
	}
	return nil
}

// On subscribes fn to inbound frames named event
func (c *Channel) On(event types.Event, fn func(types.Envelope)) *events.Subscription {
	return events.Subscribe(c.bus, func(m Message) {
		if m.Envelope.Event == event {
			fn(m.Envelope)
		}
	})
}

// Close permanently closes the channel. No reconnect follows. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.setState(types.ConnDisconnected)
	c.logger.Info().Msg("signaling channel closed")
	return nil
}
