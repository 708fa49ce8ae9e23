// Package assistant wires the session store to a realtime connection for
// one runtime context.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/clock"
	"github.com/RenatoCabral2022/voicelink/internal/credential"
	"github.com/RenatoCabral2022/voicelink/internal/datachannel"
	"github.com/RenatoCabral2022/voicelink/internal/session"
	"github.com/RenatoCabral2022/voicelink/internal/transport"
)

const storeTimeout = 5 * time.Second

// Conn is the realtime connection the runtime drives.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	SendText(text string) bool
	Subscribe(o transport.Observer) (unsubscribe func())
}

// Runtime is the explicit per-context shell: one store, one connection, one
// credential pipeline. Every collaborator is passed in.
type Runtime struct {
	store  *session.Store
	primed *credential.Primed
	router *datachannel.Router
	logger *zap.Logger

	mu          sync.Mutex
	conn        Conn
	unsubscribe func()
	onMessage   func(session.Message)
	onError     func(*transport.Error)
}

// New builds a runtime around store. Credentials flow from source through
// a primed cache so a credential fetched at Start is used by the first
// Connect.
func New(store *session.Store, source credential.Source, clk clock.Clock, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		store:  store,
		router: datachannel.NewRouter(),
		logger: logger,
	}
	r.primed = credential.NewPrimed(source, clk)
	r.routes()
	store.SetTokenRefreshCallback(func(ctx context.Context, _ session.Session) (credential.Credential, error) {
		return source.Credential(ctx)
	})
	return r
}

// Credentials is the source the connection must be built with. Every
// credential it hands out is bound to the current session.
func (r *Runtime) Credentials() credential.Source {
	return credential.SourceFunc(func(ctx context.Context) (credential.Credential, error) {
		c, err := r.primed.Credential(ctx)
		if err != nil {
			return c, err
		}
		if err := r.store.BindCredential(ctx, c.Token, c.ExpiresAt); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
			r.logger.Warn("bind credential to session", zap.Error(err))
		}
		return c, nil
	})
}

// Attach subscribes the runtime to conn. It replaces any earlier connection.
func (r *Runtime) Attach(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.conn = conn
	r.unsubscribe = conn.Subscribe(transport.ObserverFuncs{
		Event:       r.onEvent,
		StateChange: r.onStateChange,
		Error:       r.onTransportError,
	})
}

// OnMessage registers fn to receive every message appended from the
// conversation, user and assistant alike.
func (r *Runtime) OnMessage(fn func(session.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = fn
}

func (r *Runtime) OnError(fn func(*transport.Error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// Start restores the stored session or, failing that, creates a new one
// with a freshly issued credential.
func (r *Runtime) Start(ctx context.Context) (*session.Session, bool, error) {
	res := r.store.RestoreSession(ctx)
	if res.Success {
		r.primed.Prime(credential.Credential{
			Token:     res.Session.Token,
			ExpiresAt: res.Session.TokenExpiresAt,
			SessionID: res.Session.SessionID,
			Mode:      credential.ModeWebRTC,
		})
		return res.Session, true, nil
	}
	r.logger.Info("starting new session", zap.String("reason", res.Reason))

	cred, err := r.primed.Credential(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("obtain credential: %w", err)
	}
	sess, err := r.store.CreateSession(ctx, cred.SessionID, cred.Token, cred.ExpiresAt)
	if err != nil {
		return nil, false, err
	}
	r.primed.Prime(cred)
	return sess, false, nil
}

func (r *Runtime) Connect(ctx context.Context) error {
	conn := r.connection()
	if conn == nil {
		return errors.New("no connection attached")
	}
	return conn.Connect(ctx)
}

func (r *Runtime) Disconnect() {
	if conn := r.connection(); conn != nil {
		conn.Disconnect()
	}
}

// SendText records the user turn and sends it. The message is recorded
// only if it was sent.
func (r *Runtime) SendText(ctx context.Context, text string) error {
	conn := r.connection()
	if conn == nil || !conn.IsConnected() {
		return errors.New("not connected")
	}
	if !conn.SendText(text) {
		return errors.New("send failed")
	}
	return r.record(ctx, session.RoleUser, text)
}

// End disconnects and ends the session, keeping its record.
func (r *Runtime) End(ctx context.Context) error {
	r.Disconnect()
	return r.store.EndSession(ctx)
}

// Clear disconnects and erases the stored session.
func (r *Runtime) Clear(ctx context.Context) error {
	r.Disconnect()
	return r.store.ClearAllSessionData(ctx)
}

// Close disconnects and detaches from the connection. The session stays
// current and stored.
func (r *Runtime) Close() {
	r.Disconnect()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

func (r *Runtime) Store() *session.Store { return r.store }

func (r *Runtime) connection() Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Runtime) record(ctx context.Context, role session.Role, content string) error {
	if content == "" {
		return nil
	}
	m := session.Message{Role: role, Content: content}
	if err := r.store.AddMessage(ctx, m); err != nil {
		return err
	}
	r.mu.Lock()
	fn := r.onMessage
	r.mu.Unlock()
	if fn != nil {
		fn(m)
	}
	return nil
}

func (r *Runtime) onEvent(ev datachannel.Event) {
	if _, err := r.router.Dispatch(ev); err != nil {
		r.logger.Warn("handle realtime event", zap.String("type", ev.Type), zap.Error(err))
	}
}

func (r *Runtime) onStateChange(s transport.State) {
	state := session.ConnectionDisconnected
	switch s {
	case transport.StateConnecting:
		state = session.ConnectionConnecting
	case transport.StateConnected:
		state = session.ConnectionConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.UpdateConnectionState(ctx, state); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		r.logger.Warn("store connection state", zap.Error(err))
	}
	if state == session.ConnectionDisconnected {
		r.conversation(session.ConversationIdle)
	}
}

func (r *Runtime) onTransportError(err *transport.Error) {
	r.logger.Error("realtime connection error",
		zap.String("kind", string(err.Kind)),
		zap.Bool("recoverable", err.Recoverable()),
		zap.Error(err),
	)
	r.mu.Lock()
	fn := r.onError
	r.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (r *Runtime) conversation(state session.ConversationState) {
	if cur := r.store.CurrentSession(); cur == nil || cur.ConversationState == state {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.UpdateConversationState(ctx, state); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		r.logger.Warn("store conversation state", zap.Error(err))
	}
}
