package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied means the capture device or file exists but may not be read.
	ErrPermissionDenied = errors.New("audio: capture permission denied")
	// ErrNoDevice means there is nothing to capture from.
	ErrNoDevice = errors.New("audio: no capture device")
	// ErrUnsupported means the requested constraints cannot be met.
	ErrUnsupported = errors.New("audio: unsupported constraints")
)

// Constraints describe the capture a realtime voice session needs.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	ChannelCount     int
	SampleRate       int
}

// VoiceConstraints is mono 24kHz with echo cancellation and noise suppression.
func VoiceConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		ChannelCount:     1,
		SampleRate:       24000,
	}
}

func (c Constraints) validate() error {
	if c.ChannelCount < 1 || c.ChannelCount > 2 {
		return fmt.Errorf("%w: %d channels", ErrUnsupported, c.ChannelCount)
	}
	switch c.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("%w: %d Hz", ErrUnsupported, c.SampleRate)
	}
	return nil
}

// Capture is a live outbound audio track.
type Capture interface {
	Track() webrtc.TrackLocal
	// Stop ends capture. Safe to call more than once.
	Stop()
}

// Source acquires captures. Acquire may block (device prompts, file
// opens) and must honour ctx.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (Capture, error)
}

// Playback consumes inbound remote audio.
type Playback interface {
	// Attach starts draining track and returns the function that detaches
	// it. Detach is safe to call more than once.
	Attach(track *webrtc.TrackRemote) (detach func())
}

// opusCodec is what every local track advertises; the media engine
// registers the same capability.
var opusCodec = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}
