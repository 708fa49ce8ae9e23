package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/audio"
	"github.com/RenatoCabral2022/voicelink/internal/clock"
	"github.com/RenatoCabral2022/voicelink/internal/credential"
	"github.com/RenatoCabral2022/voicelink/internal/datachannel"
	"github.com/RenatoCabral2022/voicelink/internal/metrics"
)

// State is the lifecycle position of a Transport.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// channelLabel is the control channel the realtime API expects.
const channelLabel = "oai-events"

// Config tunes a Transport. Zero durations take their defaults.
type Config struct {
	// BaseURL of the realtime API; the offer is posted to BaseURL + "/realtime".
	BaseURL string
	// Model is used when the credential does not name one.
	Model              string
	STUNServers        []string
	IncludeLoopback    bool
	ICEGatherTimeout   time.Duration
	MediaTimeout       time.Duration
	ChannelOpenTimeout time.Duration
	HTTPTimeout        time.Duration
	Constraints        audio.Constraints
	// Session holds generation parameters sent in session.update. Voice and
	// instructions from the credential take precedence.
	Session datachannel.SessionParams
}

func (c *Config) applyDefaults() {
	if c.ICEGatherTimeout == 0 {
		c.ICEGatherTimeout = 10 * time.Second
	}
	if c.MediaTimeout == 0 {
		c.MediaTimeout = 10 * time.Second
	}
	if c.ChannelOpenTimeout == 0 {
		c.ChannelOpenTimeout = 15 * time.Second
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 20 * time.Second
	}
	if c.Constraints == (audio.Constraints{}) {
		c.Constraints = audio.VoiceConstraints()
	}
}

// Transport drives one realtime connection at a time to the upstream speech
// service: a peer connection carrying microphone audio out, model audio in,
// and JSON control events over a single ordered data channel.
type Transport struct {
	cfg      Config
	api      *webrtc.API
	creds    credential.Source
	capture  audio.Source
	playback audio.Playback
	http     *resty.Client
	clock    clock.Clock
	logger   *zap.Logger

	mu    sync.Mutex
	state State
	gen   uint64
	cur   *attempt

	// sendMu keeps multi-event sends contiguous on the channel.
	sendMu    sync.Mutex
	observers observers
}

// New creates a Transport with Opus registered and NACK interceptors configured.
func New(cfg Config, creds credential.Source, capture audio.Source, playback audio.Playback, clk clock.Clock, logger *zap.Logger) (*Transport, error) {
	cfg.applyDefaults()

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	ir := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	ir.Add(responder)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	ir.Add(generator)

	se := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return newTransport(cfg, api, creds, capture, playback, clk, logger), nil
}

func newTransport(cfg Config, api *webrtc.API, creds credential.Source, capture audio.Source, playback audio.Playback, clk clock.Clock, logger *zap.Logger) *Transport {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		cfg:      cfg,
		api:      api,
		creds:    creds,
		capture:  capture,
		playback: playback,
		http:     resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(cfg.HTTPTimeout),
		clock:    clk,
		logger:   logger,
		state:    StateIdle,
	}
}

// Subscribe registers o and returns the function that removes it.
func (t *Transport) Subscribe(o Observer) (unsubscribe func()) {
	return t.observers.add(o)
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected is true only while the peer connection reports connected and
// the control channel reports open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	a := t.cur
	t.mu.Unlock()
	if a == nil {
		return false
	}
	pc, dc := a.peer(), a.channel()
	if pc == nil || dc == nil {
		return false
	}
	return pc.ConnectionState() == webrtc.PeerConnectionStateConnected &&
		dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Connect runs one full connection attempt. It returns nil once the control
// channel is open and the session has been configured, ErrAborted if
// Disconnect was called meanwhile, or an *Error. On failure every resource
// the attempt created has been released before Connect returns.
func (t *Transport) Connect(ctx context.Context) (err error) {
	a, err := t.begin(ctx)
	if err != nil {
		return err
	}
	t.observers.stateChanged(StateConnecting)

	logger := t.logger.With(zap.Uint64("attempt", a.gen))
	start := t.clock.Now()

	defer func() {
		if err != nil && !errors.Is(err, ErrAborted) && t.alive(a) != nil {
			err = ErrAborted
		}
		var terr *Error
		switch {
		case err == nil:
			metrics.ConnectAttemptsTotal.WithLabelValues("connected").Inc()
			metrics.ConnectDuration.Observe(float64(t.clock.Since(start).Milliseconds()))
			logger.Info("realtime session connected", zap.Duration("took", t.clock.Since(start)))
		case errors.Is(err, ErrAborted):
			metrics.ConnectAttemptsTotal.WithLabelValues("aborted").Inc()
			logger.Info("connect aborted")
			a.teardown()
		case errors.As(err, &terr):
			metrics.ConnectAttemptsTotal.WithLabelValues(string(terr.Kind)).Inc()
			t.fail(a, terr)
		default:
			terr = &Error{Kind: KindPeer, Op: "connect", Err: err}
			metrics.ConnectAttemptsTotal.WithLabelValues(string(terr.Kind)).Inc()
			t.fail(a, terr)
			err = terr
		}
	}()

	return t.connect(a, logger)
}

func (t *Transport) connect(a *attempt, logger *zap.Logger) error {
	ctx := a.ctx

	// 1. Credential.
	cred, err := t.creds.Credential(ctx)
	if err != nil {
		return credentialError(err)
	}
	if err := t.alive(a); err != nil {
		return err
	}
	if cred.Expired(t.clock.Now()) {
		return &Error{Kind: KindCredential, Op: "obtain credential", Err: ErrCredentialExpired}
	}
	if !a.hold(func() { a.cred = &cred }) {
		return ErrAborted
	}
	logger = logger.With(zap.String("session", cred.SessionID))

	// 2. Peer connection.
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: t.iceServers()})
	if err != nil {
		return &Error{Kind: KindPeer, Op: "create peer connection", Err: err}
	}
	if !a.hold(func() { a.pc = pc }) {
		_ = pc.Close()
		return ErrAborted
	}

	// 3. Remote audio may arrive any time after the answer is applied.
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if t.alive(a) != nil {
			return
		}
		detach := t.playback.Attach(track)
		if !a.hold(func() { a.detach = append(a.detach, detach) }) {
			detach()
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Info("peer connection state", zap.String("state", s.String()))
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			t.lost(a, &Error{Kind: KindChannel, Op: "peer connection", Err: fmt.Errorf("peer connection %s", s)})
		}
	})

	// 4. Microphone.
	cp, err := t.acquire(ctx)
	if err != nil {
		return &Error{Kind: KindMediaDenied, Op: "acquire microphone", Err: err}
	}
	if !a.hold(func() { a.capture = cp }) {
		cp.Stop()
		return ErrAborted
	}
	if _, err := pc.AddTrack(cp.Track()); err != nil {
		return &Error{Kind: KindPeer, Op: "add audio track", Err: err}
	}

	// 5. Control channel, before the offer so SCTP is in the SDP.
	ordered := true
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return &Error{Kind: KindChannel, Op: "create data channel", Err: err}
	}
	if !a.hold(func() { a.dc = dc }) {
		_ = dc.Close()
		return ErrAborted
	}
	opened := make(chan struct{})
	dc.OnOpen(func() {
		t.onOpen(a, dc, cred)
		close(opened)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.onMessage(a, msg.Data)
	})
	dc.OnError(func(err error) {
		t.lost(a, &Error{Kind: KindChannel, Op: "data channel", Err: err})
	})
	dc.OnClose(func() {
		t.lost(a, &Error{Kind: KindChannel, Op: "data channel", Err: ErrChannelClosed})
	})

	// 6. Offer, gather, exchange.
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return &Error{Kind: KindPeer, Op: "create offer", Err: err}
	}
	gatherDone := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return &Error{Kind: KindPeer, Op: "set local description", Err: err}
	}
	select {
	case <-gatherDone:
	case <-t.clock.After(t.cfg.ICEGatherTimeout):
		logger.Warn("ICE gathering timed out, proceeding with partial candidates")
	case <-ctx.Done():
		return &Error{Kind: KindPeer, Op: "gather candidates", Err: ctx.Err()}
	}
	if err := t.alive(a); err != nil {
		return err
	}
	if cred.Expired(t.clock.Now()) {
		return &Error{Kind: KindCredential, Op: "exchange offer", Err: ErrCredentialExpired}
	}

	answer, err := t.exchange(ctx, cred, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	if err := t.alive(a); err != nil {
		return err
	}

	// 7. Answer, then wait for the channel.
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return &Error{Kind: KindUpstream, Op: "apply answer", Err: err}
	}
	select {
	case <-opened:
	case ferr := <-a.failed:
		return ferr
	case <-a.closed:
		return ErrAborted
	case <-t.clock.After(t.cfg.ChannelOpenTimeout):
		return &Error{Kind: KindChannel, Op: "await channel open", Err: ErrChannelOpenTimeout}
	case <-ctx.Done():
		return &Error{Kind: KindChannel, Op: "await channel open", Err: ctx.Err()}
	}

	t.mu.Lock()
	if t.cur != a {
		t.mu.Unlock()
		return ErrAborted
	}
	a.hold(func() { a.connected = true })
	t.state = StateConnected
	t.mu.Unlock()

	metrics.ActiveConnections.Inc()
	t.observers.stateChanged(StateConnected)
	return nil
}

// Disconnect tears down whatever exists and reports disconnected. It is
// safe from any state and any number of times. A Connect in flight returns
// ErrAborted.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	a := t.cur
	t.cur = nil
	prev := t.state
	t.state = StateDisconnected
	t.mu.Unlock()

	if a != nil {
		a.teardown()
	}
	if prev != StateDisconnected {
		t.logger.Info("realtime session disconnected", zap.String("from", string(prev)))
		t.observers.stateChanged(StateDisconnected)
	}
}

// SendEvent marshals ev and sends it on the control channel. When the
// channel is not open it logs a warning and sends nothing.
func (t *Transport) SendEvent(ev any) bool {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.send(ev)
}

// SendText adds a user text turn and asks for a response. The two events
// are sent back to back.
func (t *Transport) SendText(text string) bool {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if !t.send(datachannel.NewUserText(text)) {
		return false
	}
	return t.send(datachannel.NewResponseCreate())
}

// send must be called with t.sendMu held.
func (t *Transport) send(ev any) bool {
	t.mu.Lock()
	a := t.cur
	t.mu.Unlock()

	var dc dataChannel
	if a != nil {
		dc = a.channel()
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		t.logger.Warn("control channel not open, dropping event", zap.String("type", eventType(ev)))
		return false
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.logger.Warn("marshal event", zap.String("type", eventType(ev)), zap.Error(err))
		return false
	}
	if err := dc.SendText(string(data)); err != nil {
		t.logger.Warn("send event", zap.String("type", eventType(ev)), zap.Error(err))
		return false
	}
	metrics.EventsSentTotal.Inc()
	return true
}

func (t *Transport) begin(ctx context.Context) (*attempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateConnecting || t.state == StateConnected {
		return nil, ErrAlreadyConnected
	}
	t.gen++
	a := newAttempt(ctx, t.gen)
	t.cur = a
	t.state = StateConnecting
	return a, nil
}

// alive returns ErrAborted once a is no longer the current attempt.
func (t *Transport) alive(a *attempt) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != a {
		return ErrAborted
	}
	return nil
}

// fail surfaces err, tears a down and reports disconnected. Stale attempts
// are only torn down.
func (t *Transport) fail(a *attempt, err *Error) {
	t.mu.Lock()
	current := t.cur == a
	if current {
		t.cur = nil
		t.state = StateDisconnected
	}
	t.mu.Unlock()

	if !current {
		a.teardown()
		return
	}

	t.logger.Error("realtime session failed",
		zap.Uint64("attempt", a.gen),
		zap.String("kind", string(err.Kind)),
		zap.String("op", err.Op),
		zap.Error(err.Err),
	)
	t.observers.errored(err)
	a.teardown()
	t.observers.stateChanged(StateDisconnected)
}

// lost handles failures reported by pion callbacks. Before the channel
// opens they are handed to the waiting Connect; afterwards they end the
// connection.
func (t *Transport) lost(a *attempt, err *Error) {
	if t.alive(a) != nil {
		return
	}
	if a.isConnected() {
		go t.fail(a, err)
		return
	}
	a.signal(err)
}

func (t *Transport) onOpen(a *attempt, dc dataChannel, cred credential.Credential) {
	if t.alive(a) != nil {
		return
	}
	update := datachannel.NewSessionUpdate(t.sessionParams(cred))
	data, err := json.Marshal(update)
	if err != nil {
		t.logger.Error("marshal session.update", zap.Error(err))
		return
	}

	t.sendMu.Lock()
	err = dc.SendText(string(data))
	t.sendMu.Unlock()
	if err != nil {
		t.logger.Warn("send session.update", zap.Error(err))
		return
	}
	metrics.EventsSentTotal.Inc()
	t.logger.Info("control channel open, session configured", zap.Uint64("attempt", a.gen))
}

func (t *Transport) onMessage(a *attempt, data []byte) {
	if t.alive(a) != nil {
		return
	}
	ev, err := datachannel.Parse(data)
	if err != nil {
		metrics.MalformedMessagesTotal.Inc()
		t.logger.Warn("dropping malformed control message", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}
	metrics.EventsReceivedTotal.Inc()
	t.observers.event(ev)
}

func (t *Transport) sessionParams(cred credential.Credential) datachannel.SessionParams {
	p := t.cfg.Session
	if cred.SessionConfig.Voice != "" {
		p.Voice = cred.SessionConfig.Voice
	}
	if cred.SessionConfig.Instructions != "" {
		p.Instructions = cred.SessionConfig.Instructions
	}
	return p
}

// acquire bounds capture acquisition by MediaTimeout even when the source
// ignores its context. A capture that arrives late is stopped.
func (t *Transport) acquire(ctx context.Context) (audio.Capture, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.MediaTimeout)
	defer cancel()

	type result struct {
		cp  audio.Capture
		err error
	}
	ch := make(chan result, 1)
	go func() {
		cp, err := t.capture.Acquire(ctx, t.cfg.Constraints)
		ch <- result{cp, err}
	}()

	select {
	case r := <-ch:
		return r.cp, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cp != nil {
				r.cp.Stop()
			}
		}()
		return nil, ctx.Err()
	}
}

func (t *Transport) iceServers() []webrtc.ICEServer {
	if len(t.cfg.STUNServers) == 0 {
		return nil
	}
	urls := make([]string, len(t.cfg.STUNServers))
	copy(urls, t.cfg.STUNServers)
	return []webrtc.ICEServer{{URLs: urls}}
}

func eventType(ev any) string {
	switch e := ev.(type) {
	case datachannel.SessionUpdate:
		return e.Type
	case datachannel.ConversationItemCreate:
		return e.Type
	case datachannel.ResponseCreate:
		return e.Type
	case map[string]any:
		if s, ok := e["type"].(string); ok {
			return s
		}
	}
	return fmt.Sprintf("%T", ev)
}

// exchange posts the local offer and returns the answer SDP.
func (t *Transport) exchange(ctx context.Context, cred credential.Credential, offer string) (string, error) {
	model := cred.SessionConfig.Model
	if model == "" {
		model = t.cfg.Model
	}

	start := t.clock.Now()
	resp, err := t.http.R().
		SetContext(ctx).
		SetAuthToken(cred.Token).
		SetHeader("Content-Type", "application/sdp").
		SetQueryParam("model", model).
		SetBody(offer).
		Post("/realtime")
	metrics.UpstreamLatency.WithLabelValues("realtime").Observe(float64(t.clock.Since(start).Milliseconds()))
	if err != nil {
		return "", &Error{Kind: KindUpstream, Op: "exchange offer", Err: err}
	}
	if !resp.IsSuccess() {
		return "", &Error{Kind: KindUpstream, Op: "exchange offer", Err: &AnswerError{Status: resp.StatusCode(), Body: resp.String()}}
	}
	answer := resp.String()
	if answer == "" {
		return "", &Error{Kind: KindUpstream, Op: "exchange offer", Err: &AnswerError{Status: resp.StatusCode(), Body: "empty answer"}}
	}
	return answer, nil
}
