package types

import "time"

// AgentStatus represents the availability of an agent
type AgentStatus string

const (
	AgentAvailable     AgentStatus = "available"
	AgentBusy          AgentStatus = "busy"
	AgentOnCall        AgentStatus = "on_call"
	AgentBreak         AgentStatus = "break"
	AgentOffline       AgentStatus = "offline"
	AgentAfterCallWork AgentStatus = "after_call_work"
)

// AgentInfo describes one agent as seen by discovery and presence
type AgentInfo struct {
	ID         string      `json:"id"`
	Username   string      `json:"username,omitempty"`
	FullName   string      `json:"fullName,omitempty"`
	Status     AgentStatus `json:"status"`
	Department string      `json:"department,omitempty"`
	Priority   int         `json:"priority,omitempty"`
	// StatusSince is when the agent entered its current status
	StatusSince time.Time `json:"statusSince"`
	LastSeen    time.Time `json:"lastSeen"`
	CurrentCall string    `json:"currentCallId,omitempty"`
}

// APIResponse is the JSON envelope of every collaborator endpoint
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// AgentList is the data of the agent listing endpoints
type AgentList struct {
	Agents    []AgentInfo `json:"agents"`
	Available []AgentInfo `json:"available,omitempty"`
}

// ICEServer is one STUN or TURN server entry
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEConfig is served by the WebRTC config endpoint
type ICEConfig struct {
	ICEServers         []ICEServer `json:"iceServers"`
	ICETransportPolicy string      `json:"iceTransportPolicy,omitempty"`
}

// Ticket is the minimal view of a CRM ticket the call core needs
type Ticket struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	CustomerID string    `json:"customerId,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}
