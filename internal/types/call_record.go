package types

// CallRecord represents a finished call for the call detail record table
type CallRecord struct {
	DateKey     string  `json:"dateKey" dynamodbav:"DateKey"` // YYYY-MM-DD (partition key)
	CallID      string  `json:"callId" dynamodbav:"CallID"`   // sort key
	AgentID     string  `json:"agentId" dynamodbav:"AgentID"`
	CallerID    string  `json:"callerId" dynamodbav:"CallerID"`
	FromNumber  string  `json:"fromNumber" dynamodbav:"FromNumber"`
	ToNumber    string  `json:"toNumber" dynamodbav:"ToNumber"`
	Priority    string  `json:"priority" dynamodbav:"Priority"`
	CreatedAt   string  `json:"createdAt" dynamodbav:"CreatedAt"`     // RFC3339
	ConnectedAt string  `json:"connectedAt" dynamodbav:"ConnectedAt"` // RFC3339, empty if never connected
	EndedAt     string  `json:"endedAt" dynamodbav:"EndedAt"`         // RFC3339
	WaitTime    float64 `json:"waitTime" dynamodbav:"WaitTime"`       // seconds until answered
	TalkTime    float64 `json:"talkTime" dynamodbav:"TalkTime"`       // seconds
	HoldCount   int     `json:"holdCount" dynamodbav:"HoldCount"`
	Transfers   int     `json:"transfers" dynamodbav:"Transfers"`
	EndReason   string  `json:"endReason" dynamodbav:"EndReason"`
	Answered    bool    `json:"answered" dynamodbav:"Answered"`
}
