package media

import (
	"context"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/pion/webrtc/v4"
)

// Sender is the part of the signaling channel the engine writes to
type Sender interface {
	Send(event types.Event, payload interface{}) error
}

// ICEProvider loads the ICE server configuration for new peer connections
type ICEProvider interface {
	ICEConfig(ctx context.Context) (types.ICEConfig, error)
}

// PeerFactory creates peer connections
type PeerFactory interface {
	NewPeerConnection(cfg types.ICEConfig) (PeerConnection, error)
}

// TrackSender can swap the track it sends. A nil track stops sending.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerConnection is the subset of a WebRTC peer connection the engine drives
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	AddRecvOnlyAudio() error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(types.PeerState))
	OnTrack(fn func(kind, codec string))

	Close() error
}

// Microphone acquires the local capture device
type Microphone interface {
	Acquire(ctx context.Context) (LocalStream, error)
}

// LocalStream is a set of captured local tracks
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	Close()
}

// FallbackICEServers is used when the ICE configuration cannot be loaded
var FallbackICEServers = []types.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
}
