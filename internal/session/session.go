package session

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
)

func (s ConnectionState) valid() bool {
	switch s {
	case ConnectionDisconnected, ConnectionConnecting, ConnectionConnected:
		return true
	}
	return false
}

// ConversationState is the conversational phase, independent of the
// transport connection.
type ConversationState string

const (
	ConversationIdle      ConversationState = "idle"
	ConversationListening ConversationState = "listening"
	ConversationThinking  ConversationState = "thinking"
	ConversationSpeaking  ConversationState = "speaking"
)

func (s ConversationState) valid() bool {
	switch s {
	case ConversationIdle, ConversationListening, ConversationThinking, ConversationSpeaking:
		return true
	}
	return false
}

// Session is the persisted record of one conversation. Messages are kept
// in insertion order.
type Session struct {
	SessionID         string            `json:"sessionId"`
	Token             string            `json:"token"`
	TokenExpiresAt    time.Time         `json:"tokenExpiresAt"`
	Messages          []Message         `json:"messages"`
	ConnectionState   ConnectionState   `json:"connectionState"`
	ConversationState ConversationState `json:"conversationState"`
	IsActive          bool              `json:"isActive"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	return &c
}

func (m Message) validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("%w: role %q", ErrInvalidState, m.Role)
	}
	return nil
}
