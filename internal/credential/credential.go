package credential

import (
	"context"
	"fmt"
	"time"
)

// ModeWebRTC is the only operating mode issued today.
const ModeWebRTC = "webrtc"

// SessionConfig is the generation setup the credential was issued for.
type SessionConfig struct {
	Model        string
	Voice        string
	Instructions string
}

// Credential is a short-lived bearer token for one realtime connection
// attempt. Its String method redacts the token so it is safe to log.
type Credential struct {
	Token         string
	ExpiresAt     time.Time
	SessionConfig SessionConfig
	SessionID     string
	Mode          string
}

// Expired reports whether the credential may no longer be used at now.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c Credential) String() string {
	return fmt.Sprintf("credential{session=%s token=%s expires=%s}", c.SessionID, Redact(c.Token), c.ExpiresAt.Format(time.RFC3339))
}

// Redact keeps a short prefix of a secret for correlation.
func Redact(secret string) string {
	if len(secret) <= 6 {
		return "***"
	}
	return secret[:6] + "***"
}

// Source hands out credentials to whoever opens connections.
type Source interface {
	Credential(ctx context.Context) (Credential, error)
}

type SourceFunc func(ctx context.Context) (Credential, error)

func (f SourceFunc) Credential(ctx context.Context) (Credential, error) { return f(ctx) }
