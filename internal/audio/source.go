package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"
)

const frameDuration = 20 * time.Millisecond

// silenceFrame is a single 20ms Opus frame of digital silence.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

type capture struct {
	track *webrtc.TrackLocalStaticSample
	stop  chan struct{}
	once  sync.Once
	done  chan struct{}
}

func newCapture(streamID string) (*capture, error) {
	track, err := webrtc.NewTrackLocalStaticSample(opusCodec, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return &capture{track: track, stop: make(chan struct{}), done: make(chan struct{})}, nil
}

func (c *capture) Track() webrtc.TrackLocal { return c.track }

func (c *capture) Stop() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}

// SilenceSource captures continuous silence. It stands in for a microphone
// where none exists, so the upstream still sees a live audio track.
type SilenceSource struct{}

func (SilenceSource) Acquire(ctx context.Context, c Constraints) (Capture, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cp, err := newCapture("voicelink-silence")
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(cp.done)
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-cp.stop:
				return
			case <-ticker.C:
				_ = cp.track.WriteSample(media.Sample{Data: silenceFrame, Duration: frameDuration})
			}
		}
	}()
	return cp, nil
}

// OggFileSource streams an Ogg/Opus file in real time, then falls back to
// silence until stopped.
type OggFileSource struct {
	Path   string
	Logger *zap.Logger
}

func (s OggFileSource) Acquire(ctx context.Context, c Constraints) (Capture, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, s.Path)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, s.Path)
	case err != nil:
		return nil, fmt.Errorf("open %s: %w", s.Path, err)
	}

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	if err := ctx.Err(); err != nil {
		f.Close()
		return nil, err
	}

	cp, err := newCapture("voicelink-file")
	if err != nil {
		f.Close()
		return nil, err
	}

	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	go func() {
		defer close(cp.done)
		defer f.Close()

		var lastGranule uint64
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		eof := false
		for {
			select {
			case <-cp.stop:
				return
			case <-ticker.C:
			}

			if eof {
				_ = cp.track.WriteSample(media.Sample{Data: silenceFrame, Duration: frameDuration})
				continue
			}

			page, header, err := ogg.ParseNextPage()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Warn("ogg capture stopped", zap.Error(err))
				}
				eof = true
				continue
			}

			samples := header.GranulePosition - lastGranule
			lastGranule = header.GranulePosition
			d := time.Duration(float64(samples)/48000*1000) * time.Millisecond
			if d <= 0 {
				d = frameDuration
			}
			_ = cp.track.WriteSample(media.Sample{Data: page, Duration: d})
		}
	}()
	return cp, nil
}
