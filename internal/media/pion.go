package media

import (
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// CodecRegistrar registers the codecs a peer connection may negotiate
type CodecRegistrar func(m *webrtc.MediaEngine) error

// DefaultCodecs registers pion's default codec set
func DefaultCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// PionFactory builds pion peer connections
type PionFactory struct {
	codecs CodecRegistrar
	logger zerolog.Logger
}

// NewPionFactory creates a PionFactory. A nil codecs registers the defaults.
func NewPionFactory(codecs CodecRegistrar, logger zerolog.Logger) *PionFactory {
	if codecs == nil {
		codecs = DefaultCodecs
	}
	return &PionFactory{codecs: codecs, logger: logger.With().Str("component", "pion").Logger()}
}

// NewPeerConnection implements PeerFactory
func (f *PionFactory) NewPeerConnection(cfg types.ICEConfig) (PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := f.codecs(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// relay paths can drop for a few seconds during failover
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	conf := webrtc.Configuration{}
	for _, s := range cfg.ICEServers {
		conf.ICEServers = append(conf.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if cfg.ICETransportPolicy != "" {
		conf.ICETransportPolicy = webrtc.NewICETransportPolicy(cfg.ICETransportPolicy)
	}

	pc, err := api.NewPeerConnection(conf)
	if err != nil {
		return nil, err
	}
	f.logger.Debug().Int("ice_servers", len(conf.ICEServers)).Msg("peer connection created")
	return &pionPeer{pc: pc, logger: f.logger}, nil
}

// pionPeer adapts *webrtc.PeerConnection to PeerConnection
type pionPeer struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return sender, nil
}

// AddRecvOnlyAudio keeps a valid audio m-line when there is no local track
func (p *pionPeer) AddRecvOnlyAudio() error {
	_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(types.PeerState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(types.PeerState(s.String()))
	})
}

func (p *pionPeer) OnTrack(fn func(kind, codec string)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track.Kind().String(), track.Codec().MimeType)
		go drainTrack(track)
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// drainRTCP reads incoming RTCP so interceptors keep running
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// drainTrack consumes remote RTP; playback is left to the host
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
