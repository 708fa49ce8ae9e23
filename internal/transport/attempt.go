package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/RenatoCabral2022/voicelink/internal/audio"
	"github.com/RenatoCabral2022/voicelink/internal/credential"
	"github.com/RenatoCabral2022/voicelink/internal/metrics"
)

type peerConnection interface {
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

type dataChannel interface {
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	Close() error
}

// attempt owns everything one Connect call creates. Resources are
// registered with hold as they come into existence; once teardown has run,
// hold refuses them and the caller must release them itself.
type attempt struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	failed chan *Error
	closed chan struct{}

	mu        sync.Mutex
	done      bool
	connected bool
	cred      *credential.Credential
	pc        peerConnection
	dc        dataChannel
	capture   audio.Capture
	detach    []func()
}

func newAttempt(parent context.Context, gen uint64) *attempt {
	ctx, cancel := context.WithCancel(parent)
	return &attempt{
		gen:    gen,
		ctx:    ctx,
		cancel: cancel,
		failed: make(chan *Error, 1),
		closed: make(chan struct{}),
	}
}

func (a *attempt) hold(fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return false
	}
	fn()
	return true
}

func (a *attempt) channel() dataChannel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dc
}

func (a *attempt) peer() peerConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pc
}

func (a *attempt) isConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// signal records the first failure seen before the channel opened.
func (a *attempt) signal(err *Error) {
	select {
	case a.failed <- err:
	default:
	}
}

// teardown closes the channel, closes the connection, stops local capture
// and detaches playback, in that order. Only the first call does anything.
func (a *attempt) teardown() {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.done = true
	dc, pc, cp, detach, wasConnected := a.dc, a.pc, a.capture, a.detach, a.connected
	a.cred = nil
	a.connected = false
	a.mu.Unlock()

	a.cancel()
	close(a.closed)

	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	if cp != nil {
		cp.Stop()
	}
	for _, d := range detach {
		d()
	}
	if wasConnected {
		metrics.ActiveConnections.Dec()
	}
}
