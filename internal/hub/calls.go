package hub

import (
	"errors"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/callqueue"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

var (
	errNotParty      = errors.New("hub: not a party to this call")
	errMissingCallID = errors.New("hub: callId is required")
	errInvalidTone   = errors.New("hub: invalid tone")
	errNotConnected  = errors.New("hub: call is not connected")
	errMissingTarget = errors.New("hub: targetAgentId is required")
)

const dtmfTones = "0123456789*#ABCD"

func failureMessage(err error) string {
	switch {
	case errors.Is(err, callqueue.ErrUnknownCall):
		return "Call not found"
	case errors.Is(err, callqueue.ErrNotAssigned):
		return "Call is not assigned to this agent"
	case errors.Is(err, callqueue.ErrAgentUnavailable):
		return "Target agent is not available"
	case errors.Is(err, callqueue.ErrQueueFull):
		return "All agents are busy, please try again later"
	case errors.Is(err, callqueue.ErrInvalidTransition):
		return "Call cannot do that in its current state"
	case errors.Is(err, errNotParty):
		return "Not a party to this call"
	case errors.Is(err, errMissingCallID):
		return "callId is required"
	case errors.Is(err, errInvalidTone):
		return "Tone must be one of " + dtmfTones
	case errors.Is(err, errNotConnected):
		return "Call is not connected"
	case errors.Is(err, errMissingTarget):
		return "targetAgentId is required"
	default:
		return err.Error()
	}
}

// callFailed ends the caller's view of a call that never got going
func (h *Hub) callFailed(c *Connection, env types.Envelope, callID string, err error) {
	h.logger.Debug().
		Err(err).
		Str("connection_id", c.id).
		Str("event", string(env.Event)).
		Str("call_id", callID).
		Msg("call command rejected")
	c.sendEvent(types.EventCallFailed, types.CallFailed{CallID: callID, Message: failureMessage(err)}, env.RequestID)
}

// rejectCommand refuses a command on a call that carries on unchanged
func (h *Hub) rejectCommand(c *Connection, env types.Envelope, callID string, err error) {
	h.logger.Debug().
		Err(err).
		Str("connection_id", c.id).
		Str("event", string(env.Event)).
		Str("call_id", callID).
		Msg("call command rejected")
	c.sendEvent(types.EventError, types.ErrorMessage{
		Message: failureMessage(err),
		Code:    string(env.Event),
		CallID:  callID,
	}, env.RequestID)
}

// party loads a call and checks that c may act on it. CRM systems may act
// on every call.
func (h *Hub) party(c *Connection, callID string) (callqueue.Call, error) {
	if callID == "" {
		return callqueue.Call{}, errMissingCallID
	}
	call, ok := h.calls.Get(callID)
	if !ok {
		return callqueue.Call{}, callqueue.ErrUnknownCall
	}
	role, identity := h.joined(c)
	if role != types.RoleCRMSystem && !call.Involves(identity) {
		return callqueue.Call{}, errNotParty
	}
	return call, nil
}

func (h *Hub) agentName(agentID string) string {
	info, ok := h.tracker.Get(agentID)
	if !ok {
		return ""
	}
	if info.FullName != "" {
		return info.FullName
	}
	return info.Username
}

// toParties sends to the caller and the assigned agent
func (h *Hub) toParties(call callqueue.Call, event types.Event, payload interface{}) {
	h.SendTo(call.CallerID, event, payload)
	if call.AgentID != "" && call.AgentID != call.CallerID {
		h.SendTo(call.AgentID, event, payload)
	}
}

func incomingFor(call callqueue.Call) types.IncomingCall {
	return types.IncomingCall{
		CallID:       call.CallID,
		AgentID:      call.AgentID,
		FromNumber:   call.FromNumber,
		ToNumber:     call.ToNumber,
		CallerName:   call.CallerName,
		CustomerInfo: call.CustomerInfo,
		Priority:     call.Priority,
		Timestamp:    time.Now(),
	}
}

func (h *Hub) connectedFor(call callqueue.Call) types.CallConnected {
	connected := types.CallConnected{
		CallID:     call.CallID,
		AgentID:    call.AgentID,
		AgentName:  h.agentName(call.AgentID),
		FromNumber: call.FromNumber,
	}
	if call.ConnectedAt != nil {
		connected.ConnectedAt = *call.ConnectedAt
	}
	return connected
}

// Ring offers a call to its assigned agent and tells the caller who is ringing
func (h *Hub) Ring(call callqueue.Call) {
	incoming := incomingFor(call)
	if !h.SendTo(call.AgentID, types.EventIncomingCall, incoming) {
		h.logger.Warn().
			Str("call_id", call.CallID).
			Str("agent_id", call.AgentID).
			Msg("agent not reachable, call will ring out")
	}
	h.toCRM(types.EventIncomingCallToCRM, incoming)

	h.SendTo(call.CallerID, types.EventCallInitiated, types.CallInitiated{
		CallID:     call.CallID,
		AgentID:    call.AgentID,
		AgentName:  h.agentName(call.AgentID),
		FromNumber: call.FromNumber,
		ToNumber:   call.ToNumber,
	})
	h.publishAgentStatus(call.AgentID)
}

// RingTimeout withdraws a call from the agent that let it ring out. The
// caller learns its new queue position.
func (h *Hub) RingTimeout(call callqueue.Call, agentID string) {
	h.SendTo(agentID, types.EventCallEnded, types.CallEnded{CallID: call.CallID, Reason: "ring_timeout"})
	h.publishAgentStatus(agentID)

	if position, eta := h.calls.Position(call.CallID); position > 0 {
		h.SendTo(call.CallerID, types.EventCallQueued, types.CallQueued{
			CallID:               call.CallID,
			Position:             position,
			EstimatedWaitSeconds: eta,
		})
	}
}

// route offers a new or declined call to an agent, queueing it when none is free
func (h *Hub) route(call callqueue.Call) {
	if offered, ok := h.calls.Offer(call.CallID); ok {
		h.Ring(offered)
		return
	}

	position, eta, err := h.calls.Enqueue(call.CallID)
	if err != nil {
		h.metrics.RecordCallFailed()
		h.calls.End(call.CallID, "queue_full")
		h.logger.Warn().Err(err).Str("call_id", call.CallID).Msg("call rejected")
		h.SendTo(call.CallerID, types.EventCallFailed, types.CallFailed{CallID: call.CallID, Message: failureMessage(err)})
		return
	}

	h.metrics.RecordCallQueued()
	h.SendTo(call.CallerID, types.EventCallQueued, types.CallQueued{
		CallID:               call.CallID,
		Position:             position,
		EstimatedWaitSeconds: eta,
	})
}

func (h *Hub) dial(c *Connection, env types.Envelope) {
	var p types.Dial
	if err := env.Decode(&p); err != nil {
		c.sendEvent(types.EventCallFailed, types.CallFailed{Message: "malformed dial"}, env.RequestID)
		return
	}

	_, identity := h.joined(c)
	if p.FromNumber == "" {
		p.FromNumber = identity
	}

	h.mu.RLock()
	name := c.name
	h.mu.RUnlock()

	call := h.calls.Create(identity, p, name)
	h.metrics.RecordCallCreated()
	h.logger.Info().
		Str("call_id", call.CallID).
		Str("caller_id", identity).
		Str("to", call.ToNumber).
		Str("priority", string(call.Priority)).
		Msg("call dialed")

	h.route(call)
}

func (h *Hub) accept(c *Connection, env types.Envelope) {
	var p types.AcceptCall
	if err := env.Decode(&p); err != nil || p.CallID == "" {
		h.callFailed(c, env, p.CallID, errMissingCallID)
		return
	}

	role, identity := h.joined(c)
	agentID := p.AgentID
	switch role {
	case types.RoleAgent:
		agentID = identity
	case types.RoleCRMSystem:
	default:
		h.callFailed(c, env, p.CallID, errNotParty)
		return
	}

	call, err := h.calls.Answer(p.CallID, agentID)
	if err != nil {
		h.callFailed(c, env, p.CallID, err)
		return
	}
	h.metrics.RecordCallAnswered()

	answered := types.CallAnswered{CallID: call.CallID, AgentID: call.AgentID}
	h.toParties(call, types.EventCallAnswered, answered)
	h.toParties(call, types.EventCallConnected, h.connectedFor(call))
	h.toCRM(types.EventCallAnswered, answered)
	h.publishAgentStatus(call.AgentID)
}

func (h *Hub) decline(c *Connection, env types.Envelope) {
	var p types.DeclineCall
	if err := env.Decode(&p); err != nil || p.CallID == "" {
		h.callFailed(c, env, p.CallID, errMissingCallID)
		return
	}

	role, identity := h.joined(c)
	agentID := ""
	switch role {
	case types.RoleAgent:
		agentID = identity
	case types.RoleCRMSystem:
	default:
		h.callFailed(c, env, p.CallID, errNotParty)
		return
	}

	before, ok := h.calls.Get(p.CallID)
	if !ok {
		h.callFailed(c, env, p.CallID, callqueue.ErrUnknownCall)
		return
	}
	call, err := h.calls.Decline(p.CallID, agentID)
	if err != nil {
		h.callFailed(c, env, p.CallID, err)
		return
	}

	h.logger.Info().
		Str("call_id", p.CallID).
		Str("agent_id", before.AgentID).
		Str("reason", p.Reason).
		Msg("call declined")

	if before.AgentID != identity {
		h.SendTo(before.AgentID, types.EventCallEnded, types.CallEnded{CallID: p.CallID, Reason: "declined"})
	}
	h.publishAgentStatus(before.AgentID)
	h.route(call)
}

func (h *Hub) end(c *Connection, env types.Envelope) {
	var p types.EndCall
	_ = env.Decode(&p)
	if _, err := h.party(c, p.CallID); err != nil {
		h.rejectCommand(c, env, p.CallID, err)
		return
	}

	reason := p.Reason
	if reason == "" {
		reason = "hangup"
	}
	if _, err := h.finish(p.CallID, reason); err != nil {
		h.rejectCommand(c, env, p.CallID, err)
	}
}

// finish ends a call and tells everyone involved
func (h *Hub) finish(callID, reason string) (callqueue.Call, error) {
	call, err := h.calls.End(callID, reason)
	if err != nil {
		return call, err
	}

	duration := 0.0
	if call.EndedAt != nil {
		duration = call.Duration(*call.EndedAt)
	}
	ended := types.CallEnded{CallID: callID, Reason: reason, Duration: duration}
	h.toParties(call, types.EventCallEnded, ended)
	h.toCRM(types.EventCallEnded, ended)
	h.metrics.RecordCallEnded(reason)

	if call.AgentID != "" {
		h.publishAgentStatus(call.AgentID)
	}
	h.closeRoom(callID)
	return call, nil
}

// releaseCalls frees every call of a departed identity. A call still
// ringing at a departed agent goes back to routing instead of ending.
func (h *Hub) releaseCalls(identity, reason string) {
	for _, callID := range h.calls.CallsOf(identity) {
		call, ok := h.calls.Get(callID)
		if !ok {
			continue
		}
		if call.Status == callqueue.CallStatusRinging && call.AgentID == identity && call.CallerID != identity {
			if released, err := h.calls.Decline(callID, identity); err == nil {
				h.route(released)
				continue
			}
		}
		if _, err := h.finish(callID, reason); err != nil {
			h.logger.Debug().Err(err).Str("call_id", callID).Msg("failed to end call of departed party")
		}
	}
}

func (h *Hub) hold(c *Connection, env types.Envelope, on bool) {
	var p types.CallRef
	_ = env.Decode(&p)
	if _, err := h.party(c, p.CallID); err != nil {
		h.rejectCommand(c, env, p.CallID, err)
		return
	}

	var call callqueue.Call
	var err error
	event := types.EventCallOnHold
	if on {
		call, err = h.calls.Hold(p.CallID)
	} else {
		call, err = h.calls.Resume(p.CallID)
		event = types.EventCallResumed
	}
	if err != nil {
		h.rejectCommand(c, env, p.CallID, err)
		return
	}

	status := types.CallStatus{CallID: call.CallID, AgentID: call.AgentID}
	h.toParties(call, event, status)
	h.toCRM(event, status)
}

func (h *Hub) transfer(c *Connection, env types.Envelope) {
	var p types.TransferCall
	_ = env.Decode(&p)
	if role, _ := h.joined(c); role == types.RoleCustomer {
		h.rejectCommand(c, env, p.CallID, errNotParty)
		return
	}
	if _, err := h.party(c, p.CallID); err != nil {
		h.rejectCommand(c, env, p.CallID, err)
		return
	}
	if p.TargetAgentID == "" {
		h.rejectCommand(c, env, p.CallID, errMissingTarget)
		return
	}

	call, from, err := h.calls.Transfer(p.CallID, p.TargetAgentID)
	if err != nil {
		h.rejectCommand(c, env, p.CallID, err)
		return
	}

	transferred := types.CallTransferred{
		CallID:        call.CallID,
		FromAgentID:   from,
		TargetAgentID: call.AgentID,
		Reason:        p.Reason,
	}
	h.SendTo(call.CallerID, types.EventCallTransferred, transferred)
	h.SendTo(from, types.EventCallTransferred, transferred)
	h.toCRM(types.EventCallTransferred, transferred)

	// The target picks the call up already connected
	h.SendTo(call.AgentID, types.EventIncomingCall, incomingFor(call))
	h.SendTo(call.AgentID, types.EventCallConnected, h.connectedFor(call))

	h.publishAgentStatus(from)
	h.publishAgentStatus(call.AgentID)
}

func (h *Hub) sendTone(c *Connection, env types.Envelope) {
	var p types.SendTone
	_ = env.Decode(&p)
	call, err := h.party(c, p.CallID)
	if err != nil {
		h.rejectCommand(c, env, p.CallID, err)
		return
	}
	if len(p.Tone) != 1 || !strings.Contains(dtmfTones, p.Tone) {
		h.rejectCommand(c, env, p.CallID, errInvalidTone)
		return
	}
	if call.Status != callqueue.CallStatusActive {
		h.rejectCommand(c, env, p.CallID, errNotConnected)
		return
	}

	ack := types.ToneSent{CallID: call.CallID, Tone: p.Tone}
	c.sendEvent(types.EventToneSent, ack, env.RequestID)

	_, identity := h.joined(c)
	other := call.AgentID
	if identity == call.AgentID {
		other = call.CallerID
	}
	if other != identity {
		h.SendTo(other, types.EventToneSent, ack)
	}
}

// EndCall ends a call on behalf of an operator
func (h *Hub) EndCall(callID, reason string) error {
	if reason == "" {
		reason = "operator_ended"
	}
	_, err := h.finish(callID, reason)
	return err
}
