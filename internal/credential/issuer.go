package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/clock"
	"github.com/RenatoCabral2022/voicelink/internal/metrics"
	"github.com/RenatoCabral2022/voicelink/internal/ratelimit"
)

// Limiter gates issuance per client.
type Limiter interface {
	CheckAndRecord(clientID string) ratelimit.Decision
}

// IssuerConfig describes the upstream account and the session defaults
// stamped into every credential.
type IssuerConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	// TTL is the lifetime stamped on every issued credential. It is the only
	// expiry callers see; the upstream's own expiry is logged for reference.
	TTL     time.Duration
	Timeout time.Duration
}

// Issuer obtains ephemeral realtime credentials from the upstream provider.
// It keeps no state of its own besides what the limiter records.
type Issuer struct {
	cfg     IssuerConfig
	limiter Limiter
	client  *resty.Client
	clock   clock.Clock
	logger  *zap.Logger
}

// NewIssuer creates a new issuer that checks limiter before every upstream call.
func NewIssuer(cfg IssuerConfig, limiter Limiter, clk clock.Clock, logger *zap.Logger) *Issuer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		cfg:     cfg,
		limiter: limiter,
		client:  resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(cfg.Timeout),
		clock:   clk,
		logger:  logger,
	}
}

type upstreamSessionRequest struct {
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions,omitempty"`
}

type upstreamSession struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// IssueToken returns a Credential, a *RateLimitedError or an *UpstreamError.
// Denied requests never reach the upstream.
func (i *Issuer) IssueToken(ctx context.Context, clientID string) (Credential, error) {
	logger := i.logger.With(zap.String("client", clientID))

	if d := i.limiter.CheckAndRecord(clientID); !d.Allowed {
		metrics.TokenRequestsTotal.WithLabelValues("rate_limited").Inc()
		logger.Warn("credential request rate limited",
			zap.Duration("retryAfter", d.RetryAfter),
			zap.Bool("suspicious", d.Suspicious),
		)
		return Credential{}, &RateLimitedError{RetryAfter: d.RetryAfter}
	}

	start := i.clock.Now()
	resp, err := i.client.R().
		SetContext(ctx).
		SetAuthToken(i.cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetBody(upstreamSessionRequest{
			Model:        i.cfg.Model,
			Voice:        i.cfg.Voice,
			Instructions: i.cfg.Instructions,
		}).
		Post("/realtime/sessions")
	metrics.UpstreamLatency.WithLabelValues("sessions").Observe(float64(i.clock.Since(start).Milliseconds()))
	if err != nil {
		metrics.TokenRequestsTotal.WithLabelValues("upstream_error").Inc()
		return Credential{}, fmt.Errorf("request ephemeral credential: %w", err)
	}
	if !resp.IsSuccess() {
		metrics.TokenRequestsTotal.WithLabelValues("upstream_error").Inc()
		logger.Error("upstream rejected credential request", zap.Int("status", resp.StatusCode()))
		return Credential{}, &UpstreamError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}

	var out upstreamSession
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.ClientSecret.Value == "" {
		metrics.TokenRequestsTotal.WithLabelValues("upstream_error").Inc()
		return Credential{}, &UpstreamError{Status: resp.StatusCode(), Body: "response carried no client secret"}
	}

	cred := Credential{
		Token:     out.ClientSecret.Value,
		ExpiresAt: i.clock.Now().Add(i.cfg.TTL),
		SessionConfig: SessionConfig{
			Model:        firstNonEmpty(out.Model, i.cfg.Model),
			Voice:        firstNonEmpty(out.Voice, i.cfg.Voice),
			Instructions: firstNonEmpty(out.Instructions, i.cfg.Instructions),
		},
		SessionID: out.ID,
		Mode:      ModeWebRTC,
	}
	if cred.SessionID == "" {
		cred.SessionID = uuid.NewString()
	}

	fields := []zap.Field{zap.String("session", cred.SessionID), zap.Time("expiresAt", cred.ExpiresAt)}
	if out.ClientSecret.ExpiresAt > 0 {
		fields = append(fields, zap.Time("upstreamExpiresAt", time.Unix(out.ClientSecret.ExpiresAt, 0)))
	}
	logger.Info("credential issued", fields...)
	metrics.TokenRequestsTotal.WithLabelValues("issued").Inc()
	return cred, nil
}

// Source binds the issuer to one client identifier.
func (i *Issuer) Source(clientID string) Source {
	return SourceFunc(func(ctx context.Context) (Credential, error) {
		return i.IssueToken(ctx, clientID)
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
