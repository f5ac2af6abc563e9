package callqueue

import (
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

// CallStatus represents the server-side lifecycle of a call
type CallStatus string

const (
	CallStatusNew       CallStatus = "new"       // Created, not yet offered
	CallStatusWaiting   CallStatus = "waiting"   // In queue, not yet assigned
	CallStatusRinging   CallStatus = "ringing"   // Offered to one agent
	CallStatusActive    CallStatus = "active"    // Answered
	CallStatusOnHold    CallStatus = "on_hold"   // Answered, on hold
	CallStatusCompleted CallStatus = "completed" // Ended after being answered
	CallStatusAbandoned CallStatus = "abandoned" // Ended before being answered
)

// Call is one call known to the server
type Call struct {
	CallID       string              `json:"callId"`
	CallerID     string              `json:"callerId"`
	FromNumber   string              `json:"fromNumber"`
	ToNumber     string              `json:"toNumber"`
	CallerName   string              `json:"callerName,omitempty"`
	CustomerInfo *types.CustomerInfo `json:"customerInfo,omitempty"`
	Priority     types.Priority      `json:"priority"`
	Status       CallStatus          `json:"status"`
	AgentID      string              `json:"agentId,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	EnqueueTime  time.Time           `json:"enqueueTime,omitempty"`
	RingStart    *time.Time          `json:"ringStart,omitempty"`
	ConnectedAt  *time.Time          `json:"connectedAt,omitempty"`
	EndedAt      *time.Time          `json:"endedAt,omitempty"`
	WaitTime     float64             `json:"waitTime,omitempty"` // seconds until answered
	HoldCount    int                 `json:"holdCount,omitempty"`
	Transfers    int                 `json:"transfers,omitempty"`
	EndReason    string              `json:"endReason,omitempty"`

	// agents that declined or let this call ring out
	declined map[string]bool
}

// Answered reports whether an agent ever picked up
func (c *Call) Answered() bool {
	return c.ConnectedAt != nil
}

// Duration is the talk time in seconds, zero when never answered
func (c *Call) Duration(now time.Time) float64 {
	if c.ConnectedAt == nil {
		return 0
	}
	end := now
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	return end.Sub(*c.ConnectedAt).Seconds()
}

// Involves reports whether identity is the caller or the assigned agent
func (c *Call) Involves(identity string) bool {
	return c.CallerID == identity || c.AgentID == identity
}

func (c *Call) copy() Call {
	out := *c
	out.declined = nil
	return out
}

func priorityRank(p types.Priority) int {
	switch p {
	case types.PriorityUrgent:
		return 2
	case types.PriorityHigh:
		return 1
	default:
		return 0
	}
}

// toRecord converts an ended Call to a CallRecord for persistence
func toRecord(call *Call) types.CallRecord {
	record := types.CallRecord{
		DateKey:    call.CreatedAt.Format("2006-01-02"),
		CallID:     call.CallID,
		AgentID:    call.AgentID,
		CallerID:   call.CallerID,
		FromNumber: call.FromNumber,
		ToNumber:   call.ToNumber,
		Priority:   string(call.Priority),
		CreatedAt:  call.CreatedAt.Format(time.RFC3339),
		WaitTime:   call.WaitTime,
		HoldCount:  call.HoldCount,
		Transfers:  call.Transfers,
		EndReason:  call.EndReason,
		Answered:   call.Answered(),
	}
	if call.ConnectedAt != nil {
		record.ConnectedAt = call.ConnectedAt.Format(time.RFC3339)
	}
	if call.EndedAt != nil {
		record.EndedAt = call.EndedAt.Format(time.RFC3339)
		record.TalkTime = call.Duration(*call.EndedAt)
	}
	return record
}
