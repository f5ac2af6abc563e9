package gateway

import (
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/events"
	"github.com/dennisdiepolder/monti/callcore/internal/signaling"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

// Joined is published each time the call-center room is (re)joined
type Joined struct {
	UserID string
	At     time.Time
}

// IncomingCall is a call routed to the CRM user
type IncomingCall struct{ Call types.IncomingCall }

type CallAnswered struct{ Call types.CallAnswered }

type CallConnected struct{ Call types.CallConnected }

type CallEnded struct{ Call types.CallEnded }

type CallFailed struct{ Call types.CallFailed }

type CallTransferred struct{ Call types.CallTransferred }

// CommandRejected is a refused command on a call that is still up
type CommandRejected struct{ Error types.ErrorMessage }

type CallOnHold struct{ Call types.CallStatus }

type CallResumed struct{ Call types.CallStatus }

type AgentStatusChanged struct{ Update types.AgentStatusUpdate }

// ConnectionChanged mirrors the channel's connection state
type ConnectionChanged struct {
	State types.ConnectionState
}

// subscribe maps channel frames to typed gateway events
func (g *Gateway) subscribe() {
	bus := g.ch.Bus()
	g.subs = append(g.subs,
		events.Subscribe(bus, func(m signaling.Message) { g.handle(m.Envelope) }),
		events.Subscribe(bus, func(e signaling.StateChanged) {
			events.Publish(g.bus, ConnectionChanged{State: e.To})
		}),
		events.Subscribe(bus, func(e signaling.ConnectionError) { g.setError(e.Err) }),
		events.Subscribe(bus, func(e signaling.Disconnected) {
			if e.ServerInitiated {
				g.logger.Warn().Msg("disconnected by server, not reconnecting")
			}
			g.mu.Lock()
			g.joinedAt = nil
			g.mu.Unlock()
		}),
		events.Subscribe(bus, func(e signaling.ReconnectExhausted) {
			g.setError(signaling.ErrNotConnected)
		}),
	)
}

func (g *Gateway) handle(env types.Envelope) {
	var err error

	switch env.Event {
	case types.EventJoinedCallCenter:
		now := time.Now()
		g.mu.Lock()
		g.joinedAt = &now
		g.lastErr = nil
		g.mu.Unlock()
		g.logger.Info().Msg("joined call center")
		events.Publish(g.bus, Joined{UserID: g.opts.UserID, At: now})

	case types.EventIncomingCallToCRM, types.EventIncomingCall:
		var p types.IncomingCall
		if err = env.Decode(&p); err == nil {
			g.logger.Info().Str("call_id", p.CallID).Str("from", p.FromNumber).Msg("call routed to crm")
			events.Publish(g.bus, IncomingCall{Call: p})
			g.notify(p)
		}

	case types.EventCallAnswered:
		var p types.CallAnswered
		if err = env.Decode(&p); err == nil {
			events.Publish(g.bus, CallAnswered{Call: p})
		}

	case types.EventCallConnected:
		var p types.CallConnected
		if err = env.Decode(&p); err == nil {
			events.Publish(g.bus, CallConnected{Call: p})
		}

	case types.EventCallEnded:
		var p types.CallEnded
		if err = env.Decode(&p); err == nil {
			events.Publish(g.bus, CallEnded{Call: p})
		}

	case types.EventCallFailed:
		var p types.CallFailed
		if err = env.Decode(&p); err == nil {
			events.Publish(g.bus, CallFailed{Call: p})
		}

	case types.EventError:
		var p types.ErrorMessage
		if err = env.Decode(&p); err == nil && p.CallID != "" {
			g.logger.Warn().Str("call_id", p.CallID).Str("command", p.Code).Str("message", p.Message).Msg("call command rejected")
			events.Publish(g.bus, CommandRejected{Error: p})
		}

	case types.EventCallTransferred:
		var p types.CallTransferred
		if err = env.Decode(&p); err == nil {
			events.Publish(g.bus, CallTransferred{Call: p})
		}

	case types.EventCallOnHold:
		var p types.CallStatus
		if err = env.Decode(&p); err == nil {
			events.Publish(g.bus, CallOnHold{Call: p})
		}

	case types.EventCallResumed:
		var p types.CallStatus
		if err = env.Decode(&p); err == nil {
			events.Publish(g.bus, CallResumed{Call: p})
		}

	case types.EventAgentStatusUpdate:
		var p types.AgentStatusUpdate
		if err = env.Decode(&p); err == nil {
			events.Publish(g.bus, AgentStatusChanged{Update: p})
		}
	}

	if err != nil {
		g.logger.Debug().Err(err).Str("event", string(env.Event)).Msg("failed to decode gateway event")
	}
}

// notify raises the incoming call notification without blocking call handling
func (g *Gateway) notify(call types.IncomingCall) {
	if g.notifier == nil || !g.notifier.Permitted() {
		return
	}

	title := "Incoming call"
	body := call.FromNumber
	if call.CallerName != "" {
		body = call.CallerName + " (" + call.FromNumber + ")"
	}

	go func() {
		if err := g.notifier.Notify(title, body); err != nil {
			g.logger.Debug().Err(err).Str("call_id", call.CallID).Msg("notification failed")
		}
	}()
}
