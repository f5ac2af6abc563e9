// Package gateway is the CRM side of the call center: it joins the
// call-center room as a crm_system user, re-publishes routed call events and
// sends call commands on behalf of the CRM UI.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/backoff"
	"github.com/dennisdiepolder/monti/callcore/internal/events"
	"github.com/dennisdiepolder/monti/callcore/internal/signaling"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/rs/zerolog"
)

var ErrMissingCallID = errors.New("gateway: missing call id")

// Notifier raises a user-visible notification for an incoming call
type Notifier interface {
	// Permitted reports whether the user granted notifications
	Permitted() bool
	Notify(title, body string) error
}

// Options configures a Gateway
type Options struct {
	URL            string
	UserID         string
	Header         http.Header
	ConnectTimeout time.Duration
	Policy         backoff.Policy
}

// Health is the gateway's connection status
type Health struct {
	Connected        bool                  `json:"connected"`
	State            types.ConnectionState `json:"state"`
	ReconnectAttempt int                   `json:"reconnectAttempt"`
	LastError        string                `json:"lastError,omitempty"`
	JoinedAt         *time.Time            `json:"joinedAt,omitempty"`
}

// Gateway is the CRM façade over its own signaling channel
type Gateway struct {
	opts     Options
	ch       *signaling.Channel
	bus      *events.Bus
	notifier Notifier
	logger   zerolog.Logger

	mu       sync.Mutex
	lastErr  error
	joinedAt *time.Time
	subs     []*events.Subscription
}

// New creates a Gateway. notifier may be nil.
func New(opts Options, notifier Notifier, logger zerolog.Logger) *Gateway {
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.GatewayDefault
	}

	log := logger.With().Str("component", "gateway").Str("user_id", opts.UserID).Logger()
	ch := signaling.New(signaling.Options{
		URL:            opts.URL,
		Role:           types.RoleCRMSystem,
		Identity:       opts.UserID,
		Header:         opts.Header,
		ConnectTimeout: opts.ConnectTimeout,
		Policy:         opts.Policy,
		// replayed on every reconnect, which re-registers the CRM user
		Handshake: &signaling.Handshake{
			Event:   types.EventJoinCallCenter,
			Payload: types.JoinCallCenter{UserType: types.RoleCRMSystem, UserID: opts.UserID},
			Ack:     types.EventJoinedCallCenter,
		},
	}, logger)

	g := &Gateway{
		opts:     opts,
		ch:       ch,
		bus:      events.New(log),
		notifier: notifier,
		logger:   log,
	}
	g.subscribe()
	return g
}

// Bus returns the gateway's event bus
func (g *Gateway) Bus() *events.Bus {
	return g.bus
}

// Channel returns the underlying signaling channel
func (g *Gateway) Channel() *signaling.Channel {
	return g.ch
}

// Connect opens the channel and joins the call-center room
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.ch.Connect(ctx); err != nil {
		return fmt.Errorf("gateway: connect: %w", err)
	}
	return nil
}

// Close leaves the call center for good
func (g *Gateway) Close() error {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Off()
	}
	return g.ch.Close()
}

// Health reports connection status for the CRM UI
func (g *Gateway) Health() Health {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := Health{
		State:            g.ch.State(),
		ReconnectAttempt: g.ch.ReconnectAttempt(),
		JoinedAt:         g.joinedAt,
	}
	h.Connected = h.State == types.ConnConnected
	if g.lastErr != nil {
		h.LastError = g.lastErr.Error()
	}
	return h
}

// AnswerCall answers a routed call as agentID
func (g *Gateway) AnswerCall(callID, agentID string) error {
	if callID == "" {
		return fmt.Errorf("%w: answer", ErrMissingCallID)
	}
	if agentID == "" {
		agentID = g.opts.UserID
	}
	return g.send(types.EventAnswerCall, types.AcceptCall{CallID: callID, AgentID: agentID})
}

// RejectCall declines a routed call
func (g *Gateway) RejectCall(callID, reason string) error {
	if callID == "" {
		return fmt.Errorf("%w: reject", ErrMissingCallID)
	}
	if reason == "" {
		reason = "rejected"
	}
	return g.send(types.EventDeclineCall, types.DeclineCall{CallID: callID, AgentID: g.opts.UserID, Reason: reason})
}

// EndCall hangs up a call
func (g *Gateway) EndCall(callID, reason string) error {
	if callID == "" {
		return fmt.Errorf("%w: end", ErrMissingCallID)
	}
	if reason == "" {
		reason = "crm_hangup"
	}
	return g.send(types.EventEndCall, types.EndCall{CallID: callID, Reason: reason})
}

// TransferCall hands a call to another agent
func (g *Gateway) TransferCall(callID, targetAgentID, reason string) error {
	if callID == "" {
		return fmt.Errorf("%w: transfer", ErrMissingCallID)
	}
	if targetAgentID == "" {
		return errors.New("gateway: transfer target is empty")
	}
	return g.send(types.EventTransferCall, types.TransferCall{CallID: callID, TargetAgentID: targetAgentID, Reason: reason})
}

// HoldCall puts a call on hold
func (g *Gateway) HoldCall(callID string) error {
	if callID == "" {
		return fmt.Errorf("%w: hold", ErrMissingCallID)
	}
	return g.send(types.EventHoldCall, types.CallRef{CallID: callID})
}

// ResumeCall takes a call off hold
func (g *Gateway) ResumeCall(callID string) error {
	if callID == "" {
		return fmt.Errorf("%w: resume", ErrMissingCallID)
	}
	return g.send(types.EventResumeCall, types.CallRef{CallID: callID})
}

func (g *Gateway) send(event types.Event, payload interface{}) error {
	if err := g.ch.Send(event, payload); err != nil {
		g.setError(err)
		return err
	}
	return nil
}

func (g *Gateway) setError(err error) {
	g.mu.Lock()
	g.lastErr = err
	g.mu.Unlock()
}
