package callsession

import "github.com/dennisdiepolder/monti/callcore/internal/types"

// StateChanged is published on every call state transition
type StateChanged struct {
	From    types.CallState
	To      types.CallState
	Session *types.CallSession // nil once the machine is back to idle
}

// SessionUpdated is published when session fields change without a state change
type SessionUpdated struct {
	Session *types.CallSession
}

// IncomingCall is published when a call starts ringing on this client
type IncomingCall struct {
	Session *types.CallSession
}

// CallEnded is published when a call reaches the ended state
type CallEnded struct {
	Session *types.CallSession
}

// CallFailed is published when a call reaches the failed state
type CallFailed struct {
	Session *types.CallSession
	Message string
}

// CommandRejected is published when the server refuses a command on the
// current call. The call state is left as it was.
type CommandRejected struct {
	Command types.Event
	Message string
	Session *types.CallSession
}
