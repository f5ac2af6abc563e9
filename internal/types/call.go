package types

import "time"

// CallState represents the lifecycle state of a call on one client
type CallState string

const (
	CallIdle          CallState = "idle"
	CallDialing       CallState = "dialing"
	CallRinging       CallState = "ringing"
	CallQueued        CallState = "queued"
	CallConnected     CallState = "connected"
	CallOnHold        CallState = "on_hold"
	CallEnded         CallState = "ended"
	CallAfterCallWork CallState = "after_call_work"
	CallFailed        CallState = "failed"
)

// IsTerminal reports whether no further call events are expected in this state
func (s CallState) IsTerminal() bool {
	switch s {
	case CallEnded, CallAfterCallWork, CallFailed:
		return true
	}
	return false
}

// IsActive reports whether a call occupies the client in this state
func (s CallState) IsActive() bool {
	return s != CallIdle && !s.IsTerminal()
}

// Direction of a call relative to the client
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role identifies what kind of client is on the other end of a signaling connection
type Role string

const (
	RoleAgent     Role = "agent"
	RoleCustomer  Role = "customer"
	RoleCRMSystem Role = "crm_system"
)

// Priority of a dialed call
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DefaultHotline is the called number used when a dial omits one
const DefaultHotline = "1900"

// CustomerInfo is attached to a call tied to a known customer
type CustomerInfo struct {
	Name      string `json:"name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	CIF       string `json:"cif,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Email     string `json:"email,omitempty"`
}

// CallSession is the authoritative record of one call on one client
type CallSession struct {
	CallID               string        `json:"callId,omitempty"`
	Direction            Direction     `json:"direction"`
	State                CallState     `json:"state"`
	CounterpartNumber    string        `json:"counterpartNumber,omitempty"`
	CounterpartName      string        `json:"counterpartName,omitempty"`
	CustomerInfo         *CustomerInfo `json:"customerInfo,omitempty"`
	AgentID              string        `json:"agentId,omitempty"`
	StartedAt            *time.Time    `json:"startedAt,omitempty"`
	ConnectedAt          *time.Time    `json:"connectedAt,omitempty"`
	EndedAt              *time.Time    `json:"endedAt,omitempty"`
	QueuePosition        int           `json:"queuePosition,omitempty"`
	EstimatedWaitSeconds int           `json:"estimatedWaitSeconds,omitempty"`
	EndReason            string        `json:"endReason,omitempty"`
	Duration             float64       `json:"duration,omitempty"` // seconds
}

// Clone returns a deep copy of the session
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.CustomerInfo != nil {
		ci := *s.CustomerInfo
		out.CustomerInfo = &ci
	}
	out.StartedAt = cloneTime(s.StartedAt)
	out.ConnectedAt = cloneTime(s.ConnectedAt)
	out.EndedAt = cloneTime(s.EndedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ConnectionState of a signaling connection
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
)

// PeerState mirrors the WebRTC peer connection state
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// MediaSession is the negotiation state for one call on one client
type MediaSession struct {
	CallID              string    `json:"callId"`
	Role                Role      `json:"role"`
	LocalStreamAcquired bool      `json:"localStreamAcquired"`
	PeerConnectionState PeerState `json:"peerConnectionState"`
	Muted               bool      `json:"muted"`
}
