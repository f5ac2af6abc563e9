// Package hub is the server side of the signaling channel. It registers
// agents, customers and CRM systems, routes calls through the call queue
// and relays WebRTC negotiation between the parties of a call.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/callqueue"
	"github.com/dennisdiepolder/monti/callcore/internal/config"
	"github.com/dennisdiepolder/monti/callcore/internal/metrics"
	"github.com/dennisdiepolder/monti/callcore/internal/presence"
	"github.com/dennisdiepolder/monti/callcore/internal/storage"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/rs/zerolog"
)

// Options tunes connection handling
type Options struct {
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	RateLimit      float64
	RateBurst      int
}

// OptionsFrom derives hub options from the server config
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		PingPeriod:     cfg.PingPeriod,
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimitPerSecond,
		RateBurst:      cfg.RateLimitBurst,
	}
}

func (o *Options) defaults() {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 40
	}
}

// Hub maintains the set of signaling connections
type Hub struct {
	opts Options

	// All connections by connection id
	conns map[string]*Connection

	// Joined connections by identity. A newer join replaces an older one.
	identities map[string]*Connection

	// CRM systems receiving call notifications
	crm map[string]*Connection

	// Call rooms: callID -> connection id -> connection
	rooms map[string]map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	stopped    chan struct{}

	mu sync.RWMutex

	tracker *presence.Tracker
	calls   *callqueue.Manager
	store   storage.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Hub. store may be nil.
func New(opts Options, tracker *presence.Tracker, calls *callqueue.Manager, store storage.Store, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	opts.defaults()
	if store == nil {
		store = storage.NewNoopStore()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		opts:       opts,
		conns:      make(map[string]*Connection),
		identities: make(map[string]*Connection),
		crm:        make(map[string]*Connection),
		rooms:      make(map[string]map[string]*Connection),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		stopped:    make(chan struct{}),
		tracker:    tracker,
		calls:      calls,
		store:      store,
		metrics:    m,
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Run starts the hub's main loop. Every connection is closed when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.conns[c.id] = c
			total := len(h.conns)
			h.mu.Unlock()

			h.metrics.RecordWebSocketConnect()
			h.logger.Debug().
				Str("connection_id", c.id).
				Int("total_connections", total).
				Msg("connection opened")

		case c := <-h.unregister:
			h.drop(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.sendEvent(types.EventForceDisconnect, types.ForceDisconnect{Reason: "server_shutdown"}, "")
		c.Close()
	}
	h.logger.Info().Int("connections", len(conns)).Msg("hub stopped")
}

// drop removes a closed connection. Calls of the identity end only when no
// newer connection has taken it over.
func (h *Hub) drop(c *Connection) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	delete(h.crm, c.id)

	identity, role := c.identity, c.role
	current := identity != "" && h.identities[identity] == c
	if current {
		delete(h.identities, identity)
	}

	type departure struct {
		callID string
		peers  []*Connection
	}
	var left []departure
	for callID, room := range h.rooms {
		if _, ok := room[c.id]; !ok {
			continue
		}
		delete(room, c.id)
		d := departure{callID: callID}
		for _, p := range room {
			d.peers = append(d.peers, p)
		}
		if len(room) == 0 {
			delete(h.rooms, callID)
		}
		left = append(left, d)
	}
	total := len(h.conns)
	h.mu.Unlock()

	c.Close()
	h.metrics.RecordWebSocketDisconnect()

	for _, d := range left {
		for _, p := range d.peers {
			p.sendEvent(types.EventPeerLeft, types.PeerPresence{CallID: d.callID, Role: role, ConnectionID: c.id}, "")
		}
	}

	h.logger.Debug().
		Str("connection_id", c.id).
		Str("identity", identity).
		Int("total_connections", total).
		Msg("connection closed")

	if !current {
		return
	}

	switch role {
	case types.RoleAgent:
		h.releaseCalls(identity, "agent_disconnected")
		h.tracker.Disconnect(identity)
		h.publishAgentStatus(identity)
	case types.RoleCustomer:
		h.releaseCalls(identity, "caller_disconnected")
	}
}

// ConnectionCount returns the number of open connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// IsConnected reports whether identity has joined on an open connection
func (h *Hub) IsConnected(identity string) bool {
	return h.lookup(identity) != nil
}

func (h *Hub) lookup(identity string) *Connection {
	if identity == "" {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.identities[identity]
}

// SendTo queues an event for identity. It reports false when the identity
// is not connected or its buffer is full.
func (h *Hub) SendTo(identity string, event types.Event, payload interface{}) bool {
	c := h.lookup(identity)
	if c == nil {
		return false
	}
	return c.sendEvent(event, payload, "")
}

// toCRM notifies every joined CRM system
func (h *Hub) toCRM(event types.Event, payload interface{}) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.crm))
	for _, c := range h.crm {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.sendEvent(event, payload, "")
	}
}

// ForceDisconnect tells identity it is being closed and closes its connection
func (h *Hub) ForceDisconnect(identity, reason string) bool {
	c := h.lookup(identity)
	if c == nil {
		return false
	}

	h.logger.Info().Str("identity", identity).Str("reason", reason).Msg("force disconnecting")
	c.sendEvent(types.EventForceDisconnect, types.ForceDisconnect{Reason: reason}, "")
	c.Close()
	return true
}

func (h *Hub) publishAgentStatus(agentID string) {
	status := types.AgentOffline
	if info, ok := h.tracker.Get(agentID); ok {
		status = info.Status
	}
	update := types.AgentStatusUpdate{AgentID: agentID, Status: status}
	h.SendTo(agentID, types.EventAgentStatusUpdate, update)
	h.toCRM(types.EventAgentStatusUpdate, update)
}

// bind attaches an identity to c. An older connection of the same
// identity is closed without ending its calls.
func (h *Hub) bind(c *Connection, role types.Role, identity, name string) bool {
	h.mu.Lock()
	if c.identity != "" && c.identity != identity {
		h.mu.Unlock()
		return false
	}
	replaced := h.identities[identity]
	if replaced == c {
		replaced = nil
	}
	h.identities[identity] = c
	c.identity = identity
	c.role = role
	c.name = name
	if role == types.RoleCRMSystem {
		h.crm[c.id] = c
	}
	h.mu.Unlock()

	if replaced != nil {
		h.logger.Info().
			Str("identity", identity).
			Str("connection_id", replaced.id).
			Msg("identity rejoined, closing previous connection")
		replaced.sendEvent(types.EventForceDisconnect, types.ForceDisconnect{Reason: "replaced"}, "")
		replaced.Close()
	}
	return true
}

func (h *Hub) joined(c *Connection) (types.Role, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.role, c.identity
}

func validRole(role types.Role) bool {
	switch role {
	case types.RoleAgent, types.RoleCustomer, types.RoleCRMSystem:
		return true
	}
	return false
}

// authorized reports whether a token allows joining as identity
func (c *Connection) authorized(identity string) bool {
	if c.authIdentity == "" {
		return true
	}
	switch c.authRole {
	case "admin", "supervisor", "crm_system":
		return true
	}
	return c.authIdentity == identity
}

func (h *Hub) joinRoom(c *Connection, env types.Envelope) {
	var p types.JoinRoom
	if err := env.Decode(&p); err != nil || p.Identity == "" {
		c.sendError(env.RequestID, "join_room requires an identity")
		return
	}
	if !validRole(p.Role) {
		c.sendError(env.RequestID, "unknown role "+string(p.Role))
		return
	}
	if !c.authorized(p.Identity) {
		c.sendError(env.RequestID, "identity does not match token")
		return
	}
	if !h.bind(c, p.Role, p.Identity, p.Name) {
		c.sendError(env.RequestID, "connection already joined as another identity")
		return
	}

	c.sendEvent(types.EventJoined, types.Joined{Role: p.Role, Identity: p.Identity, ConnectionID: c.id}, env.RequestID)
	h.logger.Info().
		Str("connection_id", c.id).
		Str("identity", p.Identity).
		Str("role", string(p.Role)).
		Msg("joined")

	if p.Role == types.RoleAgent {
		h.registerAgent(p.Identity, p.Name)
	}
}

func (h *Hub) joinCallCenter(c *Connection, env types.Envelope) {
	var p types.JoinCallCenter
	if err := env.Decode(&p); err != nil || p.UserID == "" {
		c.sendError(env.RequestID, "join_call_center requires a userId")
		return
	}
	if p.UserType == "" {
		p.UserType = types.RoleCRMSystem
	}
	if p.UserType != types.RoleCRMSystem && p.UserType != types.RoleAgent {
		c.sendError(env.RequestID, "unknown user type "+string(p.UserType))
		return
	}
	if !c.authorized(p.UserID) {
		c.sendError(env.RequestID, "identity does not match token")
		return
	}
	if !h.bind(c, p.UserType, p.UserID, "") {
		c.sendError(env.RequestID, "connection already joined as another identity")
		return
	}

	c.sendEvent(types.EventJoinedCallCenter, types.JoinedCallCenter{UserType: p.UserType, UserID: p.UserID}, env.RequestID)
	h.logger.Info().
		Str("connection_id", c.id).
		Str("identity", p.UserID).
		Str("role", string(p.UserType)).
		Msg("joined call center")

	if p.UserType == types.RoleAgent {
		h.registerAgent(p.UserID, "")
	}
}

// registerAgent makes an agent routable. A rejoin keeps a live status.
func (h *Hub) registerAgent(agentID, name string) {
	if info, ok := h.tracker.Get(agentID); ok && info.Status != types.AgentOffline {
		h.tracker.Touch(agentID)
	} else {
		h.tracker.Connect(types.AgentInfo{ID: agentID, Username: agentID, FullName: name})
	}
	h.publishAgentStatus(agentID)
}

// LogoutAgent takes an agent out of routing. A connected agent is force
// disconnected; a stale presence entry is cleared directly.
func (h *Hub) LogoutAgent(agentID string) bool {
	if h.ForceDisconnect(agentID, "logout") {
		return true
	}
	info, ok := h.tracker.Get(agentID)
	if !ok || info.Status == types.AgentOffline {
		return false
	}
	h.releaseCalls(agentID, "agent_logout")
	h.tracker.Disconnect(agentID)
	h.publishAgentStatus(agentID)
	return true
}
