//go:build !linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// DeviceMicrophone has no capture driver outside linux; calls run receive-only
type DeviceMicrophone struct {
	logger zerolog.Logger
}

func NewDeviceMicrophone(logger zerolog.Logger) *DeviceMicrophone {
	return &DeviceMicrophone{logger: logger.With().Str("component", "microphone").Logger()}
}

func (m *DeviceMicrophone) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (m *DeviceMicrophone) Acquire(context.Context) (LocalStream, error) {
	return nil, fmt.Errorf("%w: no capture driver on this platform", ErrMicrophoneAccessDenied)
}
