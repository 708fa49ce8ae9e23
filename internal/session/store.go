package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/clock"
	"github.com/RenatoCabral2022/voicelink/internal/credential"
)

const keyPrefix = "voicelink:session:"

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrInvalidState    = errors.New("invalid session state")
)

// Restore failure reasons.
const (
	ReasonNoToken       = "no token found"
	ReasonCorrupt       = "stored session unreadable"
	ReasonNoRefresh     = "token expired and no refresh callback registered"
	ReasonRefreshFailed = "token refresh failed"
)

// RefreshFunc obtains a replacement credential for an expired session. A
// non-empty SessionID on the result rebinds the session.
type RefreshFunc func(ctx context.Context, expired Session) (credential.Credential, error)

// RestoreResult reports the outcome of RestoreSession. On failure Reason
// says why and ShouldStartNew is set.
type RestoreResult struct {
	Success        bool
	Session        *Session
	ShouldStartNew bool
	Reason         string
}

// Stats summarizes the current session. Durations are encoded in JSON as
// whole seconds.
type Stats struct {
	IsActive          bool              `json:"isActive"`
	SessionID         string            `json:"sessionId,omitempty"`
	MessageCount      int               `json:"messageCount"`
	Duration          time.Duration     `json:"-"`
	TokenExpiresIn    time.Duration     `json:"-"`
	ConnectionState   ConnectionState   `json:"connectionState,omitempty"`
	ConversationState ConversationState `json:"conversationState,omitempty"`
}

func (st Stats) MarshalJSON() ([]byte, error) {
	type plain Stats
	return json.Marshal(struct {
		plain
		DurationSeconds       int64 `json:"durationSeconds"`
		TokenExpiresInSeconds int64 `json:"tokenExpiresInSeconds"`
	}{
		plain:                 plain(st),
		DurationSeconds:       int64(st.Duration / time.Second),
		TokenExpiresInSeconds: int64(st.TokenExpiresIn / time.Second),
	})
}

// Store is the durable session for one runtime context. At most one
// session is current at a time; every mutation is persisted before it
// returns.
type Store struct {
	backend Backend
	key     string
	clock   clock.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	current *Session
	refresh RefreshFunc
}

// NewStore binds a store to the record named by contextKey.
func NewStore(backend Backend, contextKey string, clk clock.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		key:     keyPrefix + contextKey,
		clock:   clk,
		logger:  logger.With(zap.String("session_key", keyPrefix+contextKey)),
	}
}

func (s *Store) SetTokenRefreshCallback(fn RefreshFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = fn
}

// CreateSession replaces any stored record with a fresh, active session.
func (s *Store) CreateSession(ctx context.Context, id, token string, expiresAt time.Time) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := s.clock.Now()
	sess := &Session{
		SessionID:         id,
		Token:             token,
		TokenExpiresAt:    expiresAt,
		Messages:          []Message{},
		ConnectionState:   ConnectionDisconnected,
		ConversationState: ConversationIdle,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	s.current = sess
	s.logger.Info("session created", zap.String("session_id", id))
	return sess.clone(), nil
}

// AddMessage appends m to the current session. Missing IDs and timestamps
// are filled in.
func (s *Store) AddMessage(ctx context.Context, m Message) error {
	if err := m.validate(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.clock.Now()
	}
	return s.mutate(ctx, func(sess *Session) error {
		sess.Messages = append(sess.Messages, m)
		return nil
	})
}

func (s *Store) UpdateConnectionState(ctx context.Context, state ConnectionState) error {
	if !state.valid() {
		return fmt.Errorf("%w: connection %q", ErrInvalidState, state)
	}
	return s.mutate(ctx, func(sess *Session) error {
		sess.ConnectionState = state
		return nil
	})
}

func (s *Store) UpdateConversationState(ctx context.Context, state ConversationState) error {
	if !state.valid() {
		return fmt.Errorf("%w: conversation %q", ErrInvalidState, state)
	}
	return s.mutate(ctx, func(sess *Session) error {
		sess.ConversationState = state
		return nil
	})
}

// BindCredential records a newly issued credential on the current session.
func (s *Store) BindCredential(ctx context.Context, token string, expiresAt time.Time) error {
	return s.mutate(ctx, func(sess *Session) error {
		sess.Token = token
		sess.TokenExpiresAt = expiresAt
		return nil
	})
}

// CurrentSession returns a copy of the current session, or nil.
func (s *Store) CurrentSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Stats{}
	}
	now := s.clock.Now()
	expiresIn := s.current.TokenExpiresAt.Sub(now)
	if expiresIn < 0 {
		expiresIn = 0
	}
	return Stats{
		IsActive:          s.current.IsActive,
		SessionID:         s.current.SessionID,
		MessageCount:      len(s.current.Messages),
		Duration:          now.Sub(s.current.CreatedAt),
		TokenExpiresIn:    expiresIn,
		ConnectionState:   s.current.ConnectionState,
		ConversationState: s.current.ConversationState,
	}
}

// RestoreSession makes the stored record current again. An expired token
// is replaced through the refresh callback, which is called at most once.
// Connection state always restarts at disconnected.
func (s *Store) RestoreSession(ctx context.Context) RestoreResult {
	data, err := s.backend.Load(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return fresh(ReasonNoToken)
	}
	if err != nil {
		s.logger.Warn("load session", zap.Error(err))
		return fresh(err.Error())
	}
	sess, err := decode(data)
	if err != nil {
		s.logger.Warn("decode stored session", zap.Error(err))
		return fresh(ReasonCorrupt)
	}
	if sess.Token == "" {
		return fresh(ReasonNoToken)
	}
	loadedID := sess.SessionID

	s.mu.Lock()
	refresh := s.refresh
	s.mu.Unlock()

	if !s.clock.Now().Before(sess.TokenExpiresAt) {
		if refresh == nil {
			return fresh(ReasonNoRefresh)
		}
		cred, err := refresh(ctx, *sess.clone())
		if err != nil {
			s.logger.Warn("refresh expired session token", zap.String("session_id", sess.SessionID), zap.Error(err))
			return fresh(fmt.Sprintf("%s: %v", ReasonRefreshFailed, err))
		}
		if cred.Token == "" {
			return fresh(ReasonRefreshFailed + ": empty token")
		}
		s.logger.Info("session token refreshed", zap.String("session_id", sess.SessionID), zap.Stringer("credential", cred))
		sess.Token = cred.Token
		sess.TokenExpiresAt = cred.ExpiresAt
		if cred.SessionID != "" {
			sess.SessionID = cred.SessionID
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The record may have changed while the refresh ran. Writes made to the
	// same session since the load are kept.
	var restored *Session
	err = s.backend.Update(ctx, s.key, func(cur []byte) ([]byte, error) {
		base := sess.clone()
		if cur != nil {
			if stored, err := decode(cur); err == nil && stored.SessionID == loadedID {
				base = stored
			}
		}
		base.SessionID = sess.SessionID
		base.Token = sess.Token
		base.TokenExpiresAt = sess.TokenExpiresAt
		base.ConnectionState = ConnectionDisconnected
		if !base.ConversationState.valid() {
			base.ConversationState = ConversationIdle
		}
		base.IsActive = true
		base.UpdatedAt = s.clock.Now()
		restored = base
		return json.Marshal(base)
	})
	if err != nil {
		s.logger.Warn("persist restored session", zap.Error(err))
		return fresh(err.Error())
	}
	s.current = restored
	s.logger.Info("session restored", zap.String("session_id", restored.SessionID), zap.Int("messages", len(restored.Messages)))
	return RestoreResult{Success: true, Session: restored.clone()}
}

// EndSession marks the current session inactive and forgets it. The stored
// record is kept for a later restore.
func (s *Store) EndSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	id := s.current.SessionID
	err := s.update(ctx, func(sess *Session) error {
		sess.IsActive = false
		sess.ConnectionState = ConnectionDisconnected
		sess.ConversationState = ConversationIdle
		return nil
	})
	s.current = nil
	if err != nil {
		return err
	}
	s.logger.Info("session ended", zap.String("session_id", id))
	return nil
}

// Stored returns the persisted record without making it current.
func (s *Store) Stored(ctx context.Context) (*Session, error) {
	data, err := s.backend.Load(ctx, s.key)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// Deactivate marks the stored record inactive without restoring it. It
// reports whether a record existed.
func (s *Store) Deactivate(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	err := s.backend.Update(ctx, s.key, func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, ErrNotFound
		}
		sess, err := decode(cur)
		if err != nil {
			return nil, err
		}
		found = true
		sess.IsActive = false
		sess.ConnectionState = ConnectionDisconnected
		sess.ConversationState = ConversationIdle
		sess.UpdatedAt = s.clock.Now()
		return json.Marshal(sess)
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deactivate session: %w", err)
	}
	if s.current != nil {
		s.current.IsActive = false
		s.current = nil
	}
	return found, nil
}

// ClearAllSessionData erases the stored record.
func (s *Store) ClearAllSessionData(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	if err := s.backend.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.logger.Info("session data cleared")
	return nil
}

func (s *Store) mutate(ctx context.Context, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoActiveSession
	}
	return s.update(ctx, fn)
}

// update applies fn to the stored record of the current session and makes
// the result current. When the stored record belongs to another session
// the in-memory copy is the base. Must be called with s.mu held.
func (s *Store) update(ctx context.Context, fn func(*Session) error) error {
	var next *Session
	err := s.backend.Update(ctx, s.key, func(cur []byte) ([]byte, error) {
		base := s.current.clone()
		if cur != nil {
			if stored, err := decode(cur); err == nil && stored.SessionID == base.SessionID {
				base = stored
			}
		}
		if err := fn(base); err != nil {
			return nil, err
		}
		base.UpdatedAt = s.clock.Now()
		next = base
		return json.Marshal(base)
	})
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	s.current = next
	return nil
}

// put overwrites the stored record. Must be called with s.mu held.
func (s *Store) put(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = s.clock.Now()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	err = s.backend.Update(ctx, s.key, func([]byte) ([]byte, error) { return data, nil })
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func decode(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	return &sess, nil
}

func fresh(reason string) RestoreResult {
	return RestoreResult{ShouldStartNew: true, Reason: reason}
}
