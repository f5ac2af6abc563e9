package types

import (
	"encoding/json"
	"time"
)

// Event is the name of a signaling event on the wire
type Event string

// Client to server events
const (
	EventJoinRoom       Event = "join_room"
	EventJoinCallCenter Event = "join_call_center"
	EventDial           Event = "dial"
	EventAcceptCall     Event = "accept_call"
	EventAnswerCall     Event = "answer_call"
	EventDeclineCall    Event = "decline_call"
	EventEndCall        Event = "end_call"
	EventHoldCall       Event = "hold_call"
	EventResumeCall     Event = "resume_call"
	EventTransferCall   Event = "transfer_call"
	EventSendTone       Event = "send_tone"
	EventJoinCallRoom   Event = "join_call_room"
	EventLeaveCallRoom  Event = "leave_call_room"
	EventOffer          Event = "offer"
	EventAnswer         Event = "answer"
	EventICECandidate   Event = "ice_candidate"
	EventMediaState     Event = "media_state"
	EventGetCallHistory Event = "get_call_history"
	EventGetQueueStatus Event = "get_queue_status"
)

// Server to client events
const (
	EventJoined               Event = "joined"
	EventJoinedCallCenter     Event = "joined_call_center"
	EventCallInitiated        Event = "call_initiated"
	EventIncomingCall         Event = "incoming_call"
	EventIncomingCallToCRM    Event = "incoming_call_to_crm"
	EventCallQueued           Event = "call_queued"
	EventCallAnswered         Event = "call_answered"
	EventCallConnected        Event = "call_connected"
	EventCallOnHold           Event = "call_on_hold"
	EventCallResumed          Event = "call_resumed"
	EventCallTransferred      Event = "call_transferred"
	EventCallEnded            Event = "call_ended"
	EventCallFailed           Event = "call_failed"
	EventToneSent             Event = "tone_sent"
	EventAgentStatusUpdate    Event = "agent_status_update"
	EventOfferReceived        Event = "offer_received"
	EventAnswerReceived       Event = "answer_received"
	EventICECandidateReceived Event = "ice_candidate_received"
	EventPeerJoined           Event = "peer_joined"
	EventPeerLeft             Event = "peer_left"
	EventPeerMediaState       Event = "peer_media_state"
	EventForceDisconnect      Event = "force_disconnect"
	EventCallHistory          Event = "call_history"
	EventQueueStatus          Event = "queue_status"
	EventError                Event = "error"
)

// Envelope is the single frame exchanged over the signaling websocket
type Envelope struct {
	Event     Event           `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event
func NewEnvelope(event Event, payload interface{}) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope data into v
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// CallIDOf extracts the callId field from a payload without a full decode
func (e Envelope) CallIDOf() string {
	var ref struct {
		CallID string `json:"callId"`
	}
	_ = e.Decode(&ref)
	return ref.CallID
}

// JoinRoom registers a signaling connection's identity with the server
type JoinRoom struct {
	Role     Role   `json:"role"`
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

// Joined confirms a JoinRoom
type Joined struct {
	Role         Role   `json:"role"`
	Identity     string `json:"identity"`
	ConnectionID string `json:"connectionId"`
}

// JoinCallCenter is sent by CRM systems to receive routed calls
type JoinCallCenter struct {
	UserType Role   `json:"userType"`
	UserID   string `json:"userId"`
}

// JoinedCallCenter confirms a JoinCallCenter
type JoinedCallCenter struct {
	UserType Role   `json:"userType"`
	UserID   string `json:"userId"`
}

// Dial starts an outbound call from a customer-side client
type Dial struct {
	FromNumber   string        `json:"fromNumber"`
	ToNumber     string        `json:"toNumber"`
	CustomerInfo *CustomerInfo `json:"customerInfo,omitempty"`
	Priority     Priority      `json:"priority"`
}

// CallInitiated tells the caller a call id was assigned and an agent is ringing
type CallInitiated struct {
	CallID     string `json:"callId"`
	AgentID    string `json:"agentId,omitempty"`
	AgentName  string `json:"agentName,omitempty"`
	FromNumber string `json:"fromNumber,omitempty"`
	ToNumber   string `json:"toNumber,omitempty"`
}

// IncomingCall rings an agent or notifies CRM systems
type IncomingCall struct {
	CallID       string        `json:"callId"`
	AgentID      string        `json:"agentId,omitempty"`
	FromNumber   string        `json:"fromNumber"`
	ToNumber     string        `json:"toNumber,omitempty"`
	CallerName   string        `json:"callerName,omitempty"`
	CustomerInfo *CustomerInfo `json:"customerInfo,omitempty"`
	Priority     Priority      `json:"priority,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// CallQueued tells the caller no agent was free
type CallQueued struct {
	CallID               string `json:"callId"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
}

// AcceptCall answers a ringing call
type AcceptCall struct {
	CallID  string `json:"callId"`
	AgentID string `json:"agentId"`
}

// DeclineCall refuses a ringing call
type DeclineCall struct {
	CallID  string `json:"callId"`
	AgentID string `json:"agentId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// EndCall hangs up a call
type EndCall struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// CallRef carries only a call id, used by hold and resume
type CallRef struct {
	CallID string `json:"callId"`
}

// TransferCall moves a call to another agent
type TransferCall struct {
	CallID        string `json:"callId"`
	TargetAgentID string `json:"targetAgentId"`
	Reason        string `json:"reason,omitempty"`
}

// SendTone sends a DTMF tone on a connected call
type SendTone struct {
	CallID string `json:"callId"`
	Tone   string `json:"tone"`
}

// CallAnswered is broadcast when an agent picks up
type CallAnswered struct {
	CallID  string `json:"callId"`
	AgentID string `json:"agentId"`
}

// CallConnected is sent to both parties once the call is live
type CallConnected struct {
	CallID      string    `json:"callId"`
	AgentID     string    `json:"agentId,omitempty"`
	AgentName   string    `json:"agentName,omitempty"`
	FromNumber  string    `json:"fromNumber,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// CallStatus is the payload of call_on_hold and call_resumed
type CallStatus struct {
	CallID  string `json:"callId"`
	AgentID string `json:"agentId,omitempty"`
}

// CallTransferred reports a completed transfer
type CallTransferred struct {
	CallID        string `json:"callId"`
	FromAgentID   string `json:"fromAgentId"`
	TargetAgentID string `json:"targetAgentId"`
	Reason        string `json:"reason,omitempty"`
}

// CallEnded reports a finished call
type CallEnded struct {
	CallID   string  `json:"callId"`
	Reason   string  `json:"reason"`
	Duration float64 `json:"duration"` // seconds
}

// CallFailed reports a call that could not be set up or continued
type CallFailed struct {
	CallID  string `json:"callId,omitempty"`
	Message string `json:"message"`
}

// ToneSent acknowledges a SendTone
type ToneSent struct {
	CallID string `json:"callId"`
	Tone   string `json:"tone"`
}

// AgentStatusUpdate is pushed when an agent's availability changes
type AgentStatusUpdate struct {
	AgentID string      `json:"agentId"`
	Status  AgentStatus `json:"status"`
}

// CallRoom joins or leaves the media room of a call
type CallRoom struct {
	CallID string `json:"callId"`
	Role   Role   `json:"role"`
}

// PeerPresence is the payload of peer_joined and peer_left
type PeerPresence struct {
	CallID       string `json:"callId"`
	Role         Role   `json:"role"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// SessionDescription carries an SDP offer or answer
type SessionDescription struct {
	CallID     string `json:"callId"`
	SDP        string `json:"sdp"`
	Type       string `json:"type"`
	FromRole   Role   `json:"fromRole"`
	TieBreaker uint64 `json:"tieBreaker,omitempty"`
}

// ICECandidate carries one trickled ICE candidate
type ICECandidate struct {
	CallID           string  `json:"callId"`
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
	FromRole         Role    `json:"fromRole"`
}

// MediaState mirrors local mute state to the peer
type MediaState struct {
	CallID       string `json:"callId"`
	Role         Role   `json:"role"`
	AudioEnabled bool   `json:"audioEnabled"`
}

// ForceDisconnect tells a client the server is closing it on purpose
type ForceDisconnect struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorMessage is a generic server-side rejection. CallID is set when a
// command on an existing call was refused; the call itself is unaffected.
type ErrorMessage struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	CallID  string `json:"callId,omitempty"`
}

// CallHistoryRequest asks the server for recent calls of the requesting identity
type CallHistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// CallHistoryReply answers a CallHistoryRequest
type CallHistoryReply struct {
	Calls []CallRecord `json:"calls"`
}

// QueueStatusReply answers get_queue_status
type QueueStatusReply struct {
	Waiting              int `json:"waiting"`
	AvailableAgents      int `json:"availableAgents"`
	EstimatedWaitSeconds int `json:"estimatedWaitSeconds"`
}
