//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// DeviceMicrophone captures the default input device and encodes it as opus
type DeviceMicrophone struct {
	selector *mediadevices.CodecSelector
	initErr  error
	logger   zerolog.Logger
}

// NewDeviceMicrophone prepares the opus encoder. Errors surface on Acquire.
func NewDeviceMicrophone(logger zerolog.Logger) *DeviceMicrophone {
	m := &DeviceMicrophone{logger: logger.With().Str("component", "microphone").Logger()}

	opusParams, err := opus.NewParams()
	if err != nil {
		m.initErr = err
		return m
	}
	m.selector = mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))
	return m
}

// RegisterCodecs registers the encoder's codecs on a media engine. It is a
// CodecRegistrar for NewPionFactory.
func (m *DeviceMicrophone) RegisterCodecs(me *webrtc.MediaEngine) error {
	if m.selector == nil {
		return me.RegisterDefaultCodecs()
	}
	m.selector.Populate(me)
	return nil
}

// Acquire opens the microphone. Any failure is ErrMicrophoneAccessDenied.
func (m *DeviceMicrophone) Acquire(ctx context.Context) (LocalStream, error) {
	if m.initErr != nil {
		return nil, fmt.Errorf("%w: opus encoder: %v", ErrMicrophoneAccessDenied, m.initErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneAccessDenied, err)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: m.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneAccessDenied, err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track", ErrMicrophoneAccessDenied)
	}
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				m.logger.Warn().Err(err).Msg("local track ended")
			}
		})
	}
	m.logger.Info().Int("tracks", len(tracks)).Msg("microphone acquired")
	return &deviceStream{tracks: tracks}, nil
}

type deviceStream struct {
	tracks []mediadevices.Track
}

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Close() {
	for _, t := range s.tracks {
		t.Close()
	}
}
