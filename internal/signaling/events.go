package signaling

import (
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

// StateChanged is published on every connection state transition
type StateChanged struct {
	From types.ConnectionState
	To   types.ConnectionState
}

// ConnectionError reports a failed connect or reconnect attempt
type ConnectionError struct {
	Err error
}

// Disconnected is published when a live connection goes away
type Disconnected struct {
	Err             error
	Intentional     bool // closed by the owner
	ServerInitiated bool // server sent force_disconnect
}

// Reconnecting is published before each reconnect attempt
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

// Reconnected is published after a successful reconnect
type Reconnected struct {
	Attempt int
}

// ReconnectExhausted is published when the policy gives up
type ReconnectExhausted struct {
	Attempts int
}

// Message carries one inbound frame
type Message struct {
	Envelope types.Envelope
}
