package cli

import (
	"context"
	"fmt"

	"github.com/RenatoCabral2022/voicelink/internal/config"
	"github.com/RenatoCabral2022/voicelink/internal/datachannel"
	"github.com/RenatoCabral2022/voicelink/internal/session"
	"github.com/RenatoCabral2022/voicelink/internal/transport"
)

func openBackend(ctx context.Context, cfg config.SessionConfig) (session.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return session.NewMemoryBackend(), nil
	case "file":
		return session.NewFileBackend(cfg.Dir)
	case "redis":
		client, err := session.NewRedisClient(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return session.NewRedisBackend(client, cfg.RedisTTL), nil
	case "postgres":
		return session.NewPostgresBackend(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

func transportConfig(cfg *config.Config) transport.Config {
	u := cfg.Upstream
	params := datachannel.SessionParams{
		Modalities:              []string{"text", "audio"},
		Voice:                   u.Voice,
		Instructions:            u.Instructions,
		Temperature:             u.Temperature,
		MaxResponseOutputTokens: u.MaxResponseOutputTokens,
		TurnDetection:           &datachannel.TurnDetection{Type: "server_vad"},
	}
	if u.TranscriptionModel != "" {
		params.InputAudioTranscription = &datachannel.Transcription{Model: u.TranscriptionModel}
	}
	return transport.Config{
		BaseURL:            u.BaseURL,
		Model:              u.Model,
		STUNServers:        cfg.WebRTC.STUNServers,
		IncludeLoopback:    cfg.WebRTC.IncludeLoopback,
		ICEGatherTimeout:   cfg.WebRTC.ICEGatherTimeout,
		MediaTimeout:       cfg.WebRTC.MediaTimeout,
		ChannelOpenTimeout: cfg.WebRTC.ChannelOpenTimeout,
		HTTPTimeout:        u.Timeout,
		Session:            params,
	}
}
