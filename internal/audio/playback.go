package audio

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/metrics"
)

// packetWriter receives RTP from an attached remote track.
type packetWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// drain reads track until it ends or detach is called, handing every packet
// to w. The returned detach closes w exactly once.
func drain(track *webrtc.TrackRemote, w packetWriter, logger *zap.Logger) func() {
	var (
		mu       sync.Mutex
		detached bool
	)
	detach := func() {
		mu.Lock()
		defer mu.Unlock()
		if detached {
			return
		}
		detached = true
		if err := w.Close(); err != nil {
			logger.Warn("close playback", zap.Error(err))
		}
	}

	go func() {
		logger.Info("inbound audio attached",
			zap.String("codec", track.Codec().MimeType),
			zap.Uint8("pt", uint8(track.PayloadType())),
		)
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				logger.Info("inbound audio ended", zap.Error(err))
				detach()
				return
			}
			metrics.RTPPacketsTotal.Inc()

			mu.Lock()
			if detached {
				mu.Unlock()
				return
			}
			if err := w.WriteRTP(pkt); err != nil {
				logger.Warn("write inbound audio", zap.Error(err))
			}
			mu.Unlock()
		}
	}()
	return detach
}

// DiscardPlayback drains inbound audio and drops it.
type DiscardPlayback struct {
	Logger *zap.Logger
}

func (p DiscardPlayback) Attach(track *webrtc.TrackRemote) func() {
	return drain(track, discard{}, loggerOrNop(p.Logger))
}

type discard struct{}

func (discard) WriteRTP(*rtp.Packet) error { return nil }
func (discard) Close() error               { return nil }

// OggPlayback records inbound Opus audio to an Ogg file. Each attach
// truncates the file.
type OggPlayback struct {
	Path   string
	Logger *zap.Logger
}

func (p OggPlayback) Attach(track *webrtc.TrackRemote) func() {
	logger := loggerOrNop(p.Logger)
	w, err := oggwriter.New(p.Path, 48000, 2)
	if err != nil {
		logger.Error("open ogg playback, discarding inbound audio", zap.String("path", p.Path), zap.Error(err))
		return drain(track, discard{}, logger)
	}
	return drain(track, w, logger)
}

func loggerOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
