package hub

import "github.com/dennisdiepolder/monti/callcore/internal/types"

// handle routes one inbound envelope. Everything except the join events
// requires a joined connection.
func (h *Hub) handle(c *Connection, env types.Envelope) {
	switch env.Event {
	case types.EventJoinRoom:
		h.joinRoom(c, env)
		return
	case types.EventJoinCallCenter:
		h.joinCallCenter(c, env)
		return
	}

	if _, identity := h.joined(c); identity == "" {
		c.sendError(env.RequestID, "join_room required before "+string(env.Event))
		return
	}

	switch env.Event {
	// Call control
	case types.EventDial:
		h.dial(c, env)
	case types.EventAcceptCall, types.EventAnswerCall:
		h.accept(c, env)
	case types.EventDeclineCall:
		h.decline(c, env)
	case types.EventEndCall:
		h.end(c, env)
	case types.EventHoldCall:
		h.hold(c, env, true)
	case types.EventResumeCall:
		h.hold(c, env, false)
	case types.EventTransferCall:
		h.transfer(c, env)
	case types.EventSendTone:
		h.sendTone(c, env)

	// Media negotiation
	case types.EventJoinCallRoom:
		h.joinCallRoom(c, env)
	case types.EventLeaveCallRoom:
		h.leaveCallRoom(c, env)
	case types.EventOffer:
		h.relay(c, env, types.EventOfferReceived)
	case types.EventAnswer:
		h.relay(c, env, types.EventAnswerReceived)
	case types.EventICECandidate:
		h.relay(c, env, types.EventICECandidateReceived)
	case types.EventMediaState:
		h.relay(c, env, types.EventPeerMediaState)

	// Requests
	case types.EventGetCallHistory:
		h.callHistory(c, env)
	case types.EventGetQueueStatus:
		h.queueStatus(c, env)

	default:
		c.sendError(env.RequestID, "unknown event "+string(env.Event))
	}
}
