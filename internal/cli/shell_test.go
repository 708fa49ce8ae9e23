package cli

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RenatoCabral2022/voicelink/internal/audio"
	"github.com/RenatoCabral2022/voicelink/internal/clock"
	"github.com/RenatoCabral2022/voicelink/internal/transport"
)

type fakeConversation struct {
	mu       sync.Mutex
	errs     []error
	connects int
	sent     []string
}

func (f *fakeConversation) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeConversation) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeConversation) counts() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, append([]string(nil), f.sent...)
}

// syncBuffer is written by the shell goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func answers(lines ...string) <-chan string {
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return ch
}

func TestShellRetriesRateLimitedAfterWaiting(t *testing.T) {
	conv := &fakeConversation{errs: []error{
		&transport.Error{Kind: transport.KindRateLimited, Op: "obtain credential", Err: errors.New("429"), RetryAfter: 30 * time.Second},
	}}
	vc := clock.NewVirtual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	out := &syncBuffer{}
	sh := &shell{conv: conv, lines: answers("y"), out: out, clock: vc}

	done := make(chan error, 1)
	go func() { done <- sh.connect(context.Background()) }()

	require.Eventually(t, func() bool { return vc.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)
	n, _ := conv.counts()
	assert.Equal(t, 1, n, "no retry before the wait elapses")
	vc.Advance(30 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not return")
	}
	n, _ = conv.counts()
	assert.Equal(t, 2, n)
	assert.Contains(t, out.String(), "recoverable: too many requests, try again in 30s")
	assert.Contains(t, out.String(), "waiting 30s before retrying")
	assert.Contains(t, out.String(), "retry? [y/N]")
	assert.Contains(t, out.String(), "connected;")
}

func TestShellMediaDeniedIsFatal(t *testing.T) {
	conv := &fakeConversation{errs: []error{
		&transport.Error{Kind: transport.KindMediaDenied, Op: "acquire microphone", Err: audio.ErrPermissionDenied},
	}}
	out := &syncBuffer{}
	sh := &shell{conv: conv, lines: answers("y"), out: out, clock: clock.NewReal()}

	err := sh.connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, audio.ErrPermissionDenied)
	n, _ := conv.counts()
	assert.Equal(t, 1, n)
	assert.Contains(t, out.String(), "fatal: audio input unavailable")
	assert.NotContains(t, out.String(), "retry?")
}

func TestShellDeclinedRetry(t *testing.T) {
	upstream := &transport.Error{Kind: transport.KindUpstream, Op: "exchange offer", Err: &transport.AnswerError{Status: 503, Body: "busy"}}
	conv := &fakeConversation{errs: []error{upstream}}
	out := &syncBuffer{}
	sh := &shell{conv: conv, lines: answers("n"), out: out, clock: clock.NewReal()}

	err := sh.connect(context.Background())
	assert.Same(t, upstream, err)
	n, _ := conv.counts()
	assert.Equal(t, 1, n)
	assert.Contains(t, out.String(), "recoverable: exchange offer")
	assert.Contains(t, out.String(), "retry? [y/N]")
}

func TestShellReconnectsAfterLostConnection(t *testing.T) {
	conv := &fakeConversation{}
	lost := make(chan *transport.Error, 1)
	lost <- &transport.Error{Kind: transport.KindChannel, Op: "data channel", Err: transport.ErrChannelClosed}
	lines := make(chan string)
	out := &syncBuffer{}
	sh := &shell{conv: conv, lines: lines, lost: lost, out: out, clock: clock.NewReal()}

	done := make(chan error, 1)
	go func() { done <- sh.chat(context.Background()) }()

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("retry? [y/N]"))
	}, 5*time.Second, 5*time.Millisecond)
	lines <- "y"
	lines <- "hello again"
	close(lines)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not return")
	}
	n, sent := conv.counts()
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"hello again"}, sent)
	assert.Contains(t, out.String(), "connection lost")
	assert.Contains(t, out.String(), "recoverable: data channel")
}

func TestShellLostConnectionFatalStopsChat(t *testing.T) {
	conv := &fakeConversation{}
	lost := make(chan *transport.Error, 1)
	lost <- &transport.Error{Kind: transport.KindMediaDenied, Op: "acquire microphone", Err: audio.ErrNoDevice}
	out := &syncBuffer{}
	sh := &shell{conv: conv, lines: make(chan string), lost: lost, out: out, clock: clock.NewReal()}

	require.NoError(t, sh.chat(context.Background()))
	n, _ := conv.counts()
	assert.Zero(t, n)
	assert.Contains(t, out.String(), "fatal:")
}

func TestRecoverable(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		retry bool
		wait  time.Duration
	}{
		{"rate limited", &transport.Error{Kind: transport.KindRateLimited, Err: errors.New("x"), RetryAfter: time.Minute}, true, time.Minute},
		{"channel", &transport.Error{Kind: transport.KindChannel, Err: transport.ErrChannelOpenTimeout}, true, 0},
		{"media denied", &transport.Error{Kind: transport.KindMediaDenied, Err: audio.ErrNoDevice}, false, 0},
		{"aborted", transport.ErrAborted, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retry, wait := recoverable(tt.err)
			assert.Equal(t, tt.retry, retry)
			assert.Equal(t, tt.wait, wait)
		})
	}
}
