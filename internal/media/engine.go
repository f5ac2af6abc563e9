// Package media negotiates the audio path of a connected call. One Engine
// serves one client and holds at most one media session, created when the
// call connects and released when the call ends.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/events"
	"github.com/dennisdiepolder/monti/callcore/internal/signaling"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// DefaultICETimeout bounds the ICE configuration fetch
const DefaultICETimeout = 5 * time.Second

var (
	ErrMicrophoneAccessDenied = errors.New("media: microphone access denied")
	ErrNegotiation            = errors.New("media: negotiation failed")
	ErrNoSession              = errors.New("media: no active media session")
)

// Options configures an Engine
type Options struct {
	Role       types.Role
	ICE        ICEProvider // nil uses FallbackICEServers
	Microphone Microphone  // nil joins calls receive-only
	Peers      PeerFactory
	Negotiator Negotiator // nil picks by role
	ICETimeout time.Duration
}

type localTrack struct {
	sender TrackSender
	track  webrtc.TrackLocal
}

// Engine is the WebRTC peer manager of one client
type Engine struct {
	opts   Options
	sender Sender
	neg    Negotiator
	bus    *events.Bus
	logger zerolog.Logger

	mu          sync.Mutex
	session     *types.MediaSession
	gen         uint64
	pc          PeerConnection
	stream      LocalStream
	audio       []localTrack
	negotiation *Negotiation
	remoteSet   bool
	pendingICE  []webrtc.ICECandidateInit

	// serializes offer/answer steps
	negMu sync.Mutex
}

// New creates an Engine. opts.Peers is required.
func New(opts Options, sender Sender, logger zerolog.Logger) *Engine {
	if opts.ICETimeout <= 0 {
		opts.ICETimeout = DefaultICETimeout
	}
	neg := opts.Negotiator
	if neg == nil {
		neg = NegotiatorFor(opts.Role)
	}

	log := logger.With().Str("component", "media").Str("role", string(opts.Role)).Logger()
	return &Engine{
		opts:   opts,
		sender: sender,
		neg:    neg,
		bus:    events.New(log),
		logger: log,
	}
}

// Bus returns the engine's event bus
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Bind feeds call room messages from a signaling channel into the engine
func (e *Engine) Bind(ch *signaling.Channel) func() {
	sub := events.Subscribe(ch.Bus(), func(msg signaling.Message) {
		e.HandleEnvelope(msg.Envelope)
	})
	return sub.Off
}

// Snapshot returns a copy of the media session, nil when there is none
func (e *Engine) Snapshot() *types.MediaSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	s := *e.session
	return &s
}

// Muted reports the local mute state
func (e *Engine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil && e.session.Muted
}

// Start initializes media for callID in the background. It lets the engine
// serve as the call session's media controller.
func (e *Engine) Start(callID string) {
	gen, ok := e.begin(callID)
	if !ok {
		return
	}
	go func() {
		if err := e.setup(context.Background(), gen, callID); err != nil {
			e.logger.Warn().Err(err).Str("call_id", callID).Msg("media setup failed")
		}
	}()
}

// Stop ends the media session of callID
func (e *Engine) Stop(callID string) {
	e.mu.Lock()
	match := e.session != nil && e.session.CallID == callID
	e.mu.Unlock()
	if match {
		e.EndCall()
	}
}

// Initialize creates the media session for callID: ICE config, peer
// connection, microphone, then joins the call room. A denied microphone is
// reported and the session continues receive-only.
func (e *Engine) Initialize(ctx context.Context, callID string) error {
	gen, ok := e.begin(callID)
	if !ok {
		return nil
	}
	return e.setup(ctx, gen, callID)
}

// begin reserves the session for callID, ending any session of another call
func (e *Engine) begin(callID string) (uint64, bool) {
	e.mu.Lock()
	if e.session != nil && e.session.CallID == callID {
		e.mu.Unlock()
		return 0, false
	}
	stale := e.session != nil
	e.mu.Unlock()

	if stale {
		e.EndCall()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.session = &types.MediaSession{
		CallID:              callID,
		Role:                e.opts.Role,
		PeerConnectionState: types.PeerNew,
	}
	return e.gen, true
}

func (e *Engine) setup(ctx context.Context, gen uint64, callID string) error {
	log := e.logger.With().Str("call_id", callID).Logger()

	pc, err := e.opts.Peers.NewPeerConnection(e.iceConfig(ctx))
	if err != nil {
		err = fmt.Errorf("%w: create peer connection: %v", ErrNegotiation, err)
		e.setPeerState(callID, types.PeerFailed)
		e.report(callID, err)
		return err
	}

	pc.OnConnectionStateChange(func(s types.PeerState) { e.setPeerState(callID, s) })
	pc.OnICECandidate(func(c webrtc.ICECandidateInit) { e.sendCandidate(callID, c) })
	pc.OnTrack(func(kind, codec string) {
		log.Info().Str("kind", kind).Str("codec", codec).Msg("remote track started")
		events.Publish(e.bus, RemoteTrack{CallID: callID, Kind: kind, Codec: codec})
	})

	stream, tracks, err := e.acquire(ctx, pc)
	if err != nil {
		log.Warn().Err(err).Msg("continuing without local audio")
		e.report(callID, err)
		if err := pc.AddRecvOnlyAudio(); err != nil {
			log.Error().Err(err).Msg("failed to add receive-only audio")
		}
	}

	e.mu.Lock()
	if e.gen != gen {
		// the call ended while media was being set up
		e.mu.Unlock()
		release(stream, pc, log)
		return nil
	}
	e.pc = pc
	e.stream = stream
	e.audio = tracks
	e.session.LocalStreamAcquired = stream != nil
	e.negotiation = &Negotiation{
		CallID:    callID,
		Role:      e.opts.Role,
		pc:        pc,
		send:      e.sender.Send,
		remoteSet: func() { e.flushCandidates(gen) },
		log:       log,
	}
	muted := e.session.Muted
	e.mu.Unlock()

	if muted {
		replaceTracks(tracks, true, log)
	}

	log.Info().
		Bool("local_audio", stream != nil).
		Str("negotiator", e.neg.Name()).
		Msg("media session ready")

	if err := e.sender.Send(types.EventJoinCallRoom, types.CallRoom{CallID: callID, Role: e.opts.Role}); err != nil {
		err = fmt.Errorf("media: join call room: %w", err)
		e.report(callID, err)
		return err
	}
	return nil
}

func (e *Engine) iceConfig(ctx context.Context) types.ICEConfig {
	fallback := types.ICEConfig{ICEServers: FallbackICEServers}
	if e.opts.ICE == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.ICETimeout)
	defer cancel()

	cfg, err := e.opts.ICE.ICEConfig(ctx)
	if err != nil || len(cfg.ICEServers) == 0 {
		e.logger.Warn().Err(err).Msg("ICE config unavailable, using public STUN servers")
		return fallback
	}
	return cfg
}

func (e *Engine) acquire(ctx context.Context, pc PeerConnection) (LocalStream, []localTrack, error) {
	if e.opts.Microphone == nil {
		return nil, nil, fmt.Errorf("%w: no capture device", ErrMicrophoneAccessDenied)
	}

	stream, err := e.opts.Microphone.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, ErrMicrophoneAccessDenied) {
			err = fmt.Errorf("%w: %v", ErrMicrophoneAccessDenied, err)
		}
		return nil, nil, err
	}

	var tracks []localTrack
	for _, t := range stream.Tracks() {
		s, err := pc.AddTrack(t)
		if err != nil {
			e.logger.Error().Err(err).Str("track", t.ID()).Msg("failed to add local track")
			continue
		}
		tracks = append(tracks, localTrack{sender: s, track: t})
	}
	return stream, tracks, nil
}

// HandleEnvelope applies one call room message. Messages for any call other
// than the active one are dropped.
func (e *Engine) HandleEnvelope(env types.Envelope) {
	switch env.Event {
	case types.EventPeerJoined:
		var p types.PeerPresence
		if err := env.Decode(&p); err != nil {
			return
		}
		if n := e.current(env.Event, p.CallID); n != nil {
			e.negotiate(n, func() error { return e.neg.PeerJoined(n, p.Role) })
		}

	case types.EventPeerLeft:
		var p types.PeerPresence
		if err := env.Decode(&p); err != nil {
			return
		}
		if e.matches(p.CallID) {
			events.Publish(e.bus, PeerLeft{CallID: p.CallID, Role: p.Role})
		}

	case types.EventOfferReceived:
		var sd types.SessionDescription
		if err := env.Decode(&sd); err != nil {
			return
		}
		if n := e.current(env.Event, sd.CallID); n != nil {
			e.negotiate(n, func() error { return e.neg.RemoteOffer(n, sd) })
		}

	case types.EventAnswerReceived:
		var sd types.SessionDescription
		if err := env.Decode(&sd); err != nil {
			return
		}
		if n := e.current(env.Event, sd.CallID); n != nil {
			e.negotiate(n, func() error { return e.neg.RemoteAnswer(n, sd) })
		}

	case types.EventICECandidateReceived:
		var c types.ICECandidate
		if err := env.Decode(&c); err != nil {
			return
		}
		e.addCandidate(c)

	case types.EventPeerMediaState:
		var s types.MediaState
		if err := env.Decode(&s); err != nil {
			return
		}
		if e.matches(s.CallID) {
			events.Publish(e.bus, RemoteMediaState{CallID: s.CallID, Role: s.Role, AudioEnabled: s.AudioEnabled})
		}
	}
}

func (e *Engine) matches(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil && callID != "" && e.session.CallID == callID
}

// current returns the negotiation of callID, nil when callID is stale or
// the peer connection is not ready
func (e *Engine) current(event types.Event, callID string) *Negotiation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.CallID != callID {
		e.logger.Debug().Str("event", string(event)).Str("call_id", callID).Msg("dropping media message for inactive call")
		return nil
	}
	if e.negotiation == nil {
		e.logger.Debug().Str("event", string(event)).Str("call_id", callID).Msg("peer connection not ready")
	}
	return e.negotiation
}

func (e *Engine) negotiate(n *Negotiation, step func() error) {
	e.negMu.Lock()
	defer e.negMu.Unlock()

	if !e.matches(n.CallID) {
		return
	}
	if err := step(); err != nil {
		e.logger.Warn().Err(err).Str("call_id", n.CallID).Msg("negotiation step failed")
		e.report(n.CallID, err)
	}
}

func (e *Engine) addCandidate(c types.ICECandidate) {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	e.mu.Lock()
	if e.session == nil || e.session.CallID != c.CallID {
		e.mu.Unlock()
		e.logger.Debug().Str("call_id", c.CallID).Msg("dropping candidate for inactive call")
		return
	}
	if e.pc == nil || !e.remoteSet {
		e.pendingICE = append(e.pendingICE, init)
		e.mu.Unlock()
		return
	}
	pc := e.pc
	e.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		e.logger.Debug().Err(err).Str("call_id", c.CallID).Msg("failed to add remote candidate")
	}
}

// flushCandidates applies candidates that arrived before the remote description
func (e *Engine) flushCandidates(gen uint64) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.remoteSet = true
	pending := e.pendingICE
	e.pendingICE = nil
	pc := e.pc
	e.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			e.logger.Debug().Err(err).Msg("failed to add queued candidate")
		}
	}
}

func (e *Engine) sendCandidate(callID string, c webrtc.ICECandidateInit) {
	if !e.matches(callID) {
		return
	}
	err := e.sender.Send(types.EventICECandidate, types.ICECandidate{
		CallID:           callID,
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
		FromRole:         e.opts.Role,
	})
	if err != nil {
		e.logger.Debug().Err(err).Str("call_id", callID).Msg("failed to send candidate")
	}
}

func (e *Engine) setPeerState(callID string, state types.PeerState) {
	e.mu.Lock()
	if e.session == nil || e.session.CallID != callID || e.session.PeerConnectionState == state {
		e.mu.Unlock()
		return
	}
	e.session.PeerConnectionState = state
	e.mu.Unlock()

	e.logger.Info().Str("call_id", callID).Str("state", string(state)).Msg("peer connection state changed")
	events.Publish(e.bus, PeerStateChanged{CallID: callID, State: state})
}

func (e *Engine) report(callID string, err error) {
	events.Publish(e.bus, MediaError{CallID: callID, Err: err})
}

// Mute stops sending local audio without renegotiating
func (e *Engine) Mute() error {
	return e.setMuted(true)
}

// Unmute resumes sending the same local track
func (e *Engine) Unmute() error {
	return e.setMuted(false)
}

func (e *Engine) setMuted(muted bool) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	if e.session.Muted == muted {
		e.mu.Unlock()
		return nil
	}
	e.session.Muted = muted
	callID := e.session.CallID
	tracks := append([]localTrack(nil), e.audio...)
	e.mu.Unlock()

	replaceTracks(tracks, muted, e.logger)

	err := e.sender.Send(types.EventMediaState, types.MediaState{
		CallID:       callID,
		Role:         e.opts.Role,
		AudioEnabled: !muted,
	})
	if err != nil {
		return fmt.Errorf("media: send media state: %w", err)
	}
	return nil
}

func replaceTracks(tracks []localTrack, muted bool, log zerolog.Logger) {
	for _, t := range tracks {
		var next webrtc.TrackLocal
		if !muted {
			next = t.track
		}
		if err := t.sender.ReplaceTrack(next); err != nil {
			log.Warn().Err(err).Bool("muted", muted).Msg("failed to switch local track")
		}
	}
}

// EndCall releases the media session: local tracks first, then the peer
// connection, then the call room. Calling it without a session is a no-op.
func (e *Engine) EndCall() {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return
	}
	callID := e.session.CallID
	pc, stream := e.pc, e.stream
	e.session = nil
	e.pc = nil
	e.stream = nil
	e.audio = nil
	e.negotiation = nil
	e.remoteSet = false
	e.pendingICE = nil
	e.gen++
	e.mu.Unlock()

	log := e.logger.With().Str("call_id", callID).Logger()
	release(stream, pc, log)

	if err := e.sender.Send(types.EventLeaveCallRoom, types.CallRoom{CallID: callID, Role: e.opts.Role}); err != nil {
		log.Debug().Err(err).Msg("failed to leave call room")
	}

	log.Info().Msg("media session ended")
	events.Publish(e.bus, PeerStateChanged{CallID: callID, State: types.PeerClosed})
}

func release(stream LocalStream, pc PeerConnection, log zerolog.Logger) {
	if stream != nil {
		stream.Close()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close peer connection")
		}
	}
}
