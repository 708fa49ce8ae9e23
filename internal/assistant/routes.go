package assistant

import (
	"context"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/datachannel"
	"github.com/RenatoCabral2022/voicelink/internal/session"
)

// phases maps realtime events to the conversational phase they begin.
var phases = map[string]session.ConversationState{
	datachannel.TypeSpeechStarted:      session.ConversationListening,
	datachannel.TypeSpeechStopped:      session.ConversationThinking,
	datachannel.TypeResponseCreated:    session.ConversationThinking,
	datachannel.TypeOutputAudioStarted: session.ConversationSpeaking,
	datachannel.TypeResponseAudioDelta: session.ConversationSpeaking,
	datachannel.TypeResponseDone:       session.ConversationIdle,
	datachannel.TypeOutputAudioStopped: session.ConversationIdle,
}

func (r *Runtime) routes() {
	for typ, state := range phases {
		state := state
		r.router.Register(func(datachannel.Event) error {
			r.conversation(state)
			return nil
		}, typ)
	}

	r.router.Register(r.userTranscript, datachannel.TypeInputTranscriptionDone)
	r.router.Register(r.assistantTranscript, datachannel.TypeAudioTranscriptDone)
	r.router.Register(r.assistantText, datachannel.TypeResponseTextDone)
	r.router.Register(r.upstreamError, datachannel.TypeError)
}

func (r *Runtime) userTranscript(ev datachannel.Event) error {
	var p datachannel.InputTranscriptionDone
	if err := ev.Decode(&p); err != nil {
		return err
	}
	return r.recordEvent(session.RoleUser, p.Transcript)
}

func (r *Runtime) assistantTranscript(ev datachannel.Event) error {
	var p datachannel.AudioTranscriptDone
	if err := ev.Decode(&p); err != nil {
		return err
	}
	return r.recordEvent(session.RoleAssistant, p.Transcript)
}

func (r *Runtime) assistantText(ev datachannel.Event) error {
	var p datachannel.TextDone
	if err := ev.Decode(&p); err != nil {
		return err
	}
	return r.recordEvent(session.RoleAssistant, p.Text)
}

func (r *Runtime) upstreamError(ev datachannel.Event) error {
	var p datachannel.ErrorEvent
	if err := ev.Decode(&p); err != nil {
		return err
	}
	r.logger.Warn("realtime service reported an error",
		zap.String("type", p.Error.Type),
		zap.String("code", p.Error.Code),
		zap.String("message", p.Error.Message),
	)
	return nil
}

func (r *Runtime) recordEvent(role session.Role, content string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return r.record(ctx, role, content)
}
