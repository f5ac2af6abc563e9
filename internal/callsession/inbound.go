package callsession

import (
	"github.com/dennisdiepolder/monti/callcore/internal/events"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

// HandleEnvelope applies one inbound signaling frame
func (m *Machine) HandleEnvelope(env types.Envelope) {
	var err error

	switch env.Event {
	case types.EventCallInitiated:
		var p types.CallInitiated
		if err = env.Decode(&p); err == nil {
			m.onInitiated(p)
		}

	case types.EventIncomingCall:
		var p types.IncomingCall
		if err = env.Decode(&p); err == nil {
			m.onIncoming(p)
		}

	case types.EventCallQueued:
		var p types.CallQueued
		if err = env.Decode(&p); err == nil {
			m.onQueued(p)
		}

	case types.EventCallConnected:
		var p types.CallConnected
		if err = env.Decode(&p); err == nil {
			m.onConnected(p.CallID, p.AgentID, p.AgentName)
		}

	case types.EventCallAnswered:
		var p types.CallAnswered
		if err = env.Decode(&p); err == nil {
			m.onAnswered(p)
		}

	case types.EventCallOnHold:
		var p types.CallStatus
		if err = env.Decode(&p); err == nil {
			m.onHoldChange(p.CallID, types.CallConnected, types.CallOnHold)
		}

	case types.EventCallResumed:
		var p types.CallStatus
		if err = env.Decode(&p); err == nil {
			m.onHoldChange(p.CallID, types.CallOnHold, types.CallConnected)
		}

	case types.EventCallTransferred:
		var p types.CallTransferred
		if err = env.Decode(&p); err == nil {
			m.onTransferred(p)
		}

	case types.EventCallEnded:
		var p types.CallEnded
		if err = env.Decode(&p); err == nil {
			m.onEnded(p)
		}

	case types.EventCallFailed:
		var p types.CallFailed
		if err = env.Decode(&p); err == nil {
			m.onFailed(p)
		}

	case types.EventError:
		var p types.ErrorMessage
		if err = env.Decode(&p); err == nil && p.CallID != "" {
			m.onRejected(p.CallID, types.Event(p.Code), p.Message)
		}

	default:
		return
	}

	if err != nil {
		m.logger.Debug().Err(err).Str("event", string(env.Event)).Msg("failed to decode call event")
	}
}

// matchLocked reports whether callID belongs to the current session. A
// dialing session without an id adopts the first id the server reports,
// unless that id belongs to a call this machine already finished.
func (m *Machine) matchLocked(callID string, adopt bool) bool {
	if m.session == nil || callID == "" {
		return false
	}
	if m.session.CallID == callID {
		return true
	}
	if adopt && m.session.CallID == "" && m.state == types.CallDialing && !m.finishedLocked(callID) {
		m.session.CallID = callID
		return true
	}
	return false
}

// orphanLocked consumes the first server event of a dial that was hung up
// before it had an id, and hangs that call up on the server too
func (m *Machine) orphanLocked(callID string) bool {
	if m.orphans == 0 || callID == "" {
		return false
	}
	if m.session != nil && m.session.CallID == callID {
		return false
	}
	m.orphans--
	if err := m.sender.Send(types.EventEndCall, types.EndCall{CallID: callID, Reason: "cancelled"}); err != nil {
		m.logger.Debug().Err(err).Str("call_id", callID).Msg("failed to cancel orphaned call")
	}
	return true
}

func (m *Machine) staleLocked(event types.Event, callID string) {
	current := ""
	if m.session != nil {
		current = m.session.CallID
	}
	m.logger.Debug().
		Str("event", string(event)).
		Str("call_id", callID).
		Str("current_call_id", current).
		Msg("ignoring event for stale call")
}

func (m *Machine) onInitiated(p types.CallInitiated) {
	m.mu.Lock()
	if m.orphanLocked(p.CallID) {
		m.mu.Unlock()
		return
	}
	if !m.matchLocked(p.CallID, true) || m.state != types.CallDialing {
		m.staleLocked(types.EventCallInitiated, p.CallID)
		m.mu.Unlock()
		return
	}

	m.session.AgentID = p.AgentID
	m.session.CounterpartName = p.AgentName
	snap := m.session.Clone()
	m.mu.Unlock()

	events.Publish(m.bus, SessionUpdated{Session: snap})
}

func (m *Machine) onIncoming(p types.IncomingCall) {
	m.mu.Lock()
	if m.session != nil && m.session.CallID == p.CallID {
		m.mu.Unlock()
		return
	}
	if m.state.IsActive() {
		m.logger.Info().
			Str("call_id", p.CallID).
			Str("current_call_id", m.session.CallID).
			Msg("declining incoming call while busy")
		err := m.sender.Send(types.EventDeclineCall, types.DeclineCall{
			CallID:  p.CallID,
			AgentID: m.opts.AgentID,
			Reason:  "busy",
		})
		if err != nil {
			m.logger.Debug().Err(err).Str("call_id", p.CallID).Msg("failed to decline incoming call")
		}
		m.mu.Unlock()
		return
	}

	var fx []func()
	m.cancelResetLocked()
	now := m.opts.Now()
	name := p.CallerName
	if name == "" && p.CustomerInfo != nil {
		name = p.CustomerInfo.Name
	}
	m.session = &types.CallSession{
		CallID:            p.CallID,
		Direction:         types.DirectionInbound,
		State:             m.state,
		CounterpartNumber: p.FromNumber,
		CounterpartName:   name,
		CustomerInfo:      p.CustomerInfo,
		AgentID:           m.opts.AgentID,
		StartedAt:         &now,
	}
	m.pending = ""
	m.transitionLocked(types.CallRinging, &fx)
	snap := m.session.Clone()
	fx = append(fx, func() { events.Publish(m.bus, IncomingCall{Session: snap}) })
	m.mu.Unlock()

	m.logger.Info().Str("call_id", p.CallID).Str("from", p.FromNumber).Msg("incoming call")
	run(fx)
}

func (m *Machine) onQueued(p types.CallQueued) {
	m.mu.Lock()
	if m.orphanLocked(p.CallID) {
		m.mu.Unlock()
		return
	}
	if !m.matchLocked(p.CallID, true) || (m.state != types.CallDialing && m.state != types.CallQueued) {
		m.staleLocked(types.EventCallQueued, p.CallID)
		m.mu.Unlock()
		return
	}

	var fx []func()
	m.session.QueuePosition = p.Position
	m.session.EstimatedWaitSeconds = p.EstimatedWaitSeconds
	if m.state == types.CallQueued {
		snap := m.session.Clone()
		fx = append(fx, func() { events.Publish(m.bus, SessionUpdated{Session: snap}) })
	} else {
		m.transitionLocked(types.CallQueued, &fx)
	}
	m.mu.Unlock()
	run(fx)
}

func (m *Machine) onConnected(callID, agentID, agentName string) {
	m.mu.Lock()
	if !m.matchLocked(callID, false) {
		m.staleLocked(types.EventCallConnected, callID)
		m.mu.Unlock()
		return
	}

	switch m.state {
	case types.CallDialing, types.CallRinging, types.CallQueued:
	default:
		// duplicate delivery or late event after hangup
		m.logger.Debug().Str("call_id", callID).Str("state", string(m.state)).Msg("ignoring repeated connect")
		m.mu.Unlock()
		return
	}

	var fx []func()
	now := m.opts.Now()
	m.session.ConnectedAt = &now
	m.session.QueuePosition = 0
	m.session.EstimatedWaitSeconds = 0
	if agentID != "" {
		m.session.AgentID = agentID
	}
	if agentName != "" && m.session.Direction == types.DirectionOutbound {
		m.session.CounterpartName = agentName
	}
	m.pending = ""
	m.transitionLocked(types.CallConnected, &fx)

	if m.mediaCallID != callID {
		m.mediaCallID = callID
		media := m.media
		fx = append(fx, func() { media.Start(callID) })
	}
	m.mu.Unlock()

	m.logger.Info().Str("call_id", callID).Str("agent_id", agentID).Msg("call connected")
	run(fx)
}

func (m *Machine) onAnswered(p types.CallAnswered) {
	if m.opts.Role == types.RoleAgent && p.AgentID != "" && p.AgentID != m.opts.AgentID {
		m.mu.Lock()
		if !m.matchLocked(p.CallID, false) || m.state != types.CallRinging {
			m.mu.Unlock()
			return
		}
		var fx []func()
		m.finishLocked(types.CallEnded, "answered_elsewhere", 0, &fx)
		m.mu.Unlock()
		run(fx)
		return
	}
	m.onConnected(p.CallID, p.AgentID, "")
}

func (m *Machine) onHoldChange(callID string, from, to types.CallState) {
	m.mu.Lock()
	if !m.matchLocked(callID, false) || m.state != from {
		m.mu.Unlock()
		return
	}

	var fx []func()
	m.pending = ""
	m.transitionLocked(to, &fx)
	m.mu.Unlock()
	run(fx)
}

func (m *Machine) onTransferred(p types.CallTransferred) {
	m.mu.Lock()
	if !m.matchLocked(p.CallID, false) || !m.state.IsActive() {
		m.mu.Unlock()
		return
	}

	var fx []func()
	if m.opts.Role == types.RoleAgent && p.FromAgentID == m.opts.AgentID {
		m.finishLocked(types.CallEnded, "transferred", 0, &fx)
	} else {
		m.session.AgentID = p.TargetAgentID
		snap := m.session.Clone()
		fx = append(fx, func() { events.Publish(m.bus, SessionUpdated{Session: snap}) })
	}
	m.mu.Unlock()
	run(fx)
}

func (m *Machine) onEnded(p types.CallEnded) {
	m.mu.Lock()
	if !m.matchLocked(p.CallID, false) || !m.state.IsActive() {
		m.staleLocked(types.EventCallEnded, p.CallID)
		m.mu.Unlock()
		return
	}

	reason := p.Reason
	if reason == "" {
		reason = "remote_hangup"
	}
	var fx []func()
	m.finishLocked(types.CallEnded, reason, p.Duration, &fx)
	m.mu.Unlock()
	run(fx)
}

func (m *Machine) onFailed(p types.CallFailed) {
	m.mu.Lock()

	matched := false
	if p.CallID == "" {
		// a rejected dial carries no id yet
		if m.orphans > 0 {
			m.orphans--
			m.mu.Unlock()
			return
		}
		matched = m.session != nil && m.session.CallID == "" && m.state == types.CallDialing
	} else {
		if m.orphanLocked(p.CallID) {
			m.mu.Unlock()
			return
		}
		matched = m.matchLocked(p.CallID, true)
	}
	if !matched || !m.state.IsActive() {
		m.staleLocked(types.EventCallFailed, p.CallID)
		m.mu.Unlock()
		return
	}

	msg := p.Message
	if msg == "" {
		msg = "call failed"
	}
	var fx []func()
	switch m.state {
	case types.CallDialing, types.CallQueued:
		m.finishLocked(types.CallFailed, msg, 0, &fx)
	case types.CallRinging:
		m.finishLocked(types.CallEnded, msg, 0, &fx)
	default:
		// an established call outlives a failed command
		m.mu.Unlock()
		m.onRejected(p.CallID, "", msg)
		return
	}
	m.mu.Unlock()
	run(fx)
}

// onRejected clears the pending command of a call the server kept up
func (m *Machine) onRejected(callID string, command types.Event, message string) {
	m.mu.Lock()
	if !m.matchLocked(callID, false) || !m.state.IsActive() {
		m.mu.Unlock()
		return
	}
	if command == "" {
		command = m.pending
	}
	m.pending = ""
	snap := m.session.Clone()
	state := m.state
	m.mu.Unlock()

	m.logger.Warn().
		Str("call_id", callID).
		Str("command", string(command)).
		Str("state", string(state)).
		Str("message", message).
		Msg("call command rejected by server")
	events.Publish(m.bus, CommandRejected{Command: command, Message: message, Session: snap})
}
