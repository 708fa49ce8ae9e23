package datachannel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event types the assistant runtime reacts to. Everything else is
// still delivered to subscribers verbatim.
const (
	TypeError                  = "error"
	TypeSessionCreated         = "session.created"
	TypeSessionUpdated         = "session.updated"
	TypeSpeechStarted          = "input_audio_buffer.speech_started"
	TypeSpeechStopped          = "input_audio_buffer.speech_stopped"
	TypeInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	TypeResponseCreated        = "response.created"
	TypeResponseAudioDelta     = "response.audio.delta"
	TypeAudioTranscriptDone    = "response.audio_transcript.done"
	TypeResponseTextDone       = "response.text.done"
	TypeResponseDone           = "response.done"
	TypeOutputAudioStarted     = "output_audio_buffer.started"
	TypeOutputAudioStopped     = "output_audio_buffer.stopped"
)

// Outbound event types.
const (
	TypeSessionUpdate          = "session.update"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
)

var ErrMissingType = errors.New("event has no type")

// Event is one inbound control message. Raw holds the message exactly as
// received.
type Event struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Parse decodes the type discriminator of a control message.
func Parse(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, ErrMissingType
	}
	ev.Raw = append(json.RawMessage(nil), raw...)
	return ev, nil
}

// Decode unmarshals the full event into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// SessionUpdate configures the remote session right after the channel opens.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

type SessionParams struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
}

type Transcription struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

func NewSessionUpdate(p SessionParams) SessionUpdate {
	return SessionUpdate{Type: TypeSessionUpdate, Session: p}
}

type ConversationItemCreate struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewUserText builds the conversation item for a typed user turn.
func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: Item{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

type ResponseCreate struct {
	Type string `json:"type"`
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

// Payloads of inbound events the runtime decodes.

type InputTranscriptionDone struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type AudioTranscriptDone struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type TextDone struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Text       string `json:"text"`
}

type ErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
