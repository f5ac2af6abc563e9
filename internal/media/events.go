package media

import "github.com/dennisdiepolder/monti/callcore/internal/types"

// PeerStateChanged is published when the peer connection state changes.
// It is independent from the call state.
type PeerStateChanged struct {
	CallID string
	State  types.PeerState
}

// RemoteMediaState is published when the peer mutes or unmutes
type RemoteMediaState struct {
	CallID       string
	Role         types.Role
	AudioEnabled bool
}

// MediaError reports microphone and negotiation failures. The call goes on.
type MediaError struct {
	CallID string
	Err    error
}

// RemoteTrack is published when the peer's audio starts arriving
type RemoteTrack struct {
	CallID string
	Kind   string
	Codec  string
}

// PeerLeft is published when the other party leaves the call room
type PeerLeft struct {
	CallID string
	Role   types.Role
}
