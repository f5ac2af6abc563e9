package hub

import "github.com/dennisdiepolder/monti/callcore/internal/types"

type member struct {
	conn *Connection
	role types.Role
}

func (h *Hub) joinCallRoom(c *Connection, env types.Envelope) {
	var p types.CallRoom
	_ = env.Decode(&p)
	if _, err := h.party(c, p.CallID); err != nil {
		h.rejectCommand(c, env, p.CallID, err)
		return
	}

	h.mu.Lock()
	room, ok := h.rooms[p.CallID]
	if !ok {
		room = make(map[string]*Connection)
		h.rooms[p.CallID] = room
	}
	if _, in := room[c.id]; in {
		h.mu.Unlock()
		return
	}
	peers := make([]member, 0, len(room))
	for _, peer := range room {
		peers = append(peers, member{conn: peer, role: peer.role})
	}
	room[c.id] = c
	role := c.role
	h.mu.Unlock()

	h.logger.Debug().
		Str("call_id", p.CallID).
		Str("connection_id", c.id).
		Int("peers", len(peers)).
		Msg("joined call room")

	for _, peer := range peers {
		peer.conn.sendEvent(types.EventPeerJoined, types.PeerPresence{CallID: p.CallID, Role: role, ConnectionID: c.id}, "")
		c.sendEvent(types.EventPeerJoined, types.PeerPresence{CallID: p.CallID, Role: peer.role, ConnectionID: peer.conn.id}, "")
	}
}

func (h *Hub) leaveCallRoom(c *Connection, env types.Envelope) {
	var p types.CallRoom
	_ = env.Decode(&p)

	h.mu.Lock()
	room := h.rooms[p.CallID]
	if _, in := room[c.id]; !in {
		h.mu.Unlock()
		return
	}
	delete(room, c.id)
	peers := make([]*Connection, 0, len(room))
	for _, peer := range room {
		peers = append(peers, peer)
	}
	if len(room) == 0 {
		delete(h.rooms, p.CallID)
	}
	role := c.role
	h.mu.Unlock()

	for _, peer := range peers {
		peer.sendEvent(types.EventPeerLeft, types.PeerPresence{CallID: p.CallID, Role: role, ConnectionID: c.id}, "")
	}
}

// closeRoom forgets the room of an ended call
func (h *Hub) closeRoom(callID string) {
	h.mu.Lock()
	delete(h.rooms, callID)
	h.mu.Unlock()
}

// peersOf returns the other members of the room when c is a member
func (h *Hub) peersOf(callID string, c *Connection) ([]*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.rooms[callID]
	if _, in := room[c.id]; !in {
		return nil, false
	}
	peers := make([]*Connection, 0, len(room)-1)
	for id, peer := range room {
		if id != c.id {
			peers = append(peers, peer)
		}
	}
	return peers, true
}

// relay forwards a negotiation message to the other members of the call
// room. The sender role is stamped by the server.
func (h *Hub) relay(c *Connection, env types.Envelope, out types.Event) {
	role, _ := h.joined(c)

	var callID string
	var payload interface{}
	var err error
	switch env.Event {
	case types.EventOffer, types.EventAnswer:
		var sd types.SessionDescription
		err = env.Decode(&sd)
		sd.FromRole = role
		callID, payload = sd.CallID, sd
	case types.EventICECandidate:
		var ic types.ICECandidate
		err = env.Decode(&ic)
		ic.FromRole = role
		callID, payload = ic.CallID, ic
	case types.EventMediaState:
		var ms types.MediaState
		err = env.Decode(&ms)
		ms.Role = role
		callID, payload = ms.CallID, ms
	}
	if err != nil {
		h.metrics.RecordWebSocketError()
		c.sendError(env.RequestID, "malformed "+string(env.Event))
		return
	}

	peers, ok := h.peersOf(callID, c)
	if !ok {
		c.sendError(env.RequestID, "not in call room "+callID)
		return
	}
	for _, peer := range peers {
		peer.sendEvent(out, payload, "")
	}
	h.metrics.RecordMediaRelay(string(env.Event))
}
