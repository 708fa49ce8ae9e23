package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/RenatoCabral2022/voicelink/internal/credential"
)

// Kind classifies transport failures for user messaging and retry decisions.
type Kind string

const (
	KindCredential  Kind = "credential"
	KindRateLimited Kind = "rate_limited"
	KindUpstream    Kind = "upstream"
	KindMediaDenied Kind = "media_denied"
	KindChannel     Kind = "channel"
	KindPeer        Kind = "peer"
)

var (
	ErrAborted            = errors.New("connect aborted by disconnect")
	ErrAlreadyConnected   = errors.New("transport already connecting or connected")
	ErrCredentialExpired  = errors.New("credential expired before use")
	ErrChannelOpenTimeout = errors.New("control channel did not open in time")
	ErrChannelClosed      = errors.New("control channel closed")
)

// Error is every failure surfaced by Connect and to observers.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether a fresh Connect may succeed. Media denial
// needs the user to act first.
func (e *Error) Recoverable() bool {
	return e.Kind != KindMediaDenied
}

// AnswerError is a non-success answer from the offer/answer endpoint.
type AnswerError struct {
	Status int
	Body   string
}

func (e *AnswerError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("offer/answer endpoint returned %d: %s", e.Status, body)
}

func credentialError(err error) *Error {
	var rle *credential.RateLimitedError
	if errors.As(err, &rle) {
		return &Error{Kind: KindRateLimited, Op: "obtain credential", Err: err, RetryAfter: rle.RetryAfter}
	}
	var ue *credential.UpstreamError
	if errors.As(err, &ue) {
		return &Error{Kind: KindUpstream, Op: "obtain credential", Err: err}
	}
	return &Error{Kind: KindCredential, Op: "obtain credential", Err: err}
}
