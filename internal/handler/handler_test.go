package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/admin"
	"github.com/RenatoCabral2022/voicelink/internal/clock"
	"github.com/RenatoCabral2022/voicelink/internal/credential"
	"github.com/RenatoCabral2022/voicelink/internal/model"
	"github.com/RenatoCabral2022/voicelink/internal/ratelimit"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeIssuer struct {
	mu      sync.Mutex
	clients []string
	cred    credential.Credential
	err     error
}

func (f *fakeIssuer) IssueToken(_ context.Context, clientID string) (credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients = append(f.clients, clientID)
	return f.cred, f.err
}

func router(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Post("/v1/realtime/token", h.IssueToken)
	r.Post("/v1/admin/rate-limit", h.RateLimitAdmin)
	r.Get("/healthz", h.Health)
	return r
}

func post(t *testing.T, h http.Handler, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:41234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIssueTokenSuccess(t *testing.T) {
	iss := &fakeIssuer{cred: credential.Credential{
		Token:         "ek_abc",
		ExpiresAt:     epoch.Add(time.Minute),
		SessionID:     "sess_1",
		Mode:          credential.ModeWebRTC,
		SessionConfig: credential.SessionConfig{Model: "m1", Voice: "alloy", Instructions: "hi"},
	}}
	rec := post(t, router(NewHandlers(iss, nil, zap.NewNop())), "/v1/realtime/token", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body model.TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, "ek_abc", body.Token)
	assert.Equal(t, "sess_1", body.SessionID)
	assert.Equal(t, "webrtc", body.Mode)
	assert.Equal(t, "alloy", body.SessionConfig.Voice)
	assert.True(t, body.ExpiresAt.Equal(epoch.Add(time.Minute)))
	assert.Equal(t, []string{"203.0.113.9"}, iss.clients)
}

func TestIssueTokenUsesForwardedAddress(t *testing.T) {
	iss := &fakeIssuer{cred: credential.Credential{Token: "t"}}
	post(t, router(NewHandlers(iss, nil, nil)), "/v1/realtime/token", "", map[string]string{
		"X-Forwarded-For": "198.51.100.7, 10.0.0.1",
	})
	assert.Equal(t, []string{"198.51.100.7"}, iss.clients)
}

func TestIssueTokenRateLimited(t *testing.T) {
	iss := &fakeIssuer{err: &credential.RateLimitedError{RetryAfter: 1500 * time.Millisecond}}
	rec := post(t, router(NewHandlers(iss, nil, nil)), "/v1/realtime/token", "", nil)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	var body model.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Success)
	assert.Equal(t, 2, body.RetryAfter)
	assert.NotEmpty(t, body.Error)
}

func TestIssueTokenUpstreamFailure(t *testing.T) {
	iss := &fakeIssuer{err: &credential.UpstreamError{Status: 401, Body: `{"error":"bad key"}`}}
	rec := post(t, router(NewHandlers(iss, nil, nil)), "/v1/realtime/token", "", nil)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var body model.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 401, body.UpstreamStatus)
	assert.Contains(t, body.Details, "bad key")
}

// The full path: real limiter and issuer against a fake upstream. The
// request past the budget never reaches the upstream.
func TestIssueTokenEndToEndRateLimit(t *testing.T) {
	var calls int
	var mu sync.Mutex
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"sess_up","client_secret":{"value":"ek_live","expires_at":1700000000}}`))
	}))
	defer up.Close()

	vc := clock.NewVirtual(epoch)
	cfg := ratelimit.DefaultConfig()
	cfg.MaxRequests = 3
	limiter := ratelimit.New(cfg, vc, nil)
	iss := credential.NewIssuer(credential.IssuerConfig{
		BaseURL: up.URL,
		APIKey:  "sk-test",
		Model:   "m1",
		Voice:   "alloy",
		TTL:     time.Minute,
	}, limiter, vc, nil)
	h := router(NewHandlers(iss, limiter, nil))

	for i := 0; i < 3; i++ {
		rec := post(t, h, "/v1/realtime/token", "", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	rec := post(t, h, "/v1/realtime/token", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()

	reset := post(t, h, "/v1/admin/rate-limit", `{"action":"clear_ip","target":"203.0.113.9"}`, nil)
	require.Equal(t, http.StatusOK, reset.Code)
	rec = post(t, h, "/v1/realtime/token", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitAdmin(t *testing.T) {
	vc := clock.NewVirtual(epoch)
	limiter := ratelimit.New(ratelimit.DefaultConfig(), vc, nil)
	limiter.CheckAndRecord("198.51.100.1")
	limiter.MarkSuspicious("198.51.100.2")
	h := router(NewHandlers(&fakeIssuer{}, limiter, nil))

	tests := []struct {
		name    string
		body    string
		code    int
		success bool
	}{
		{"status", `{"action":"status"}`, http.StatusOK, true},
		{"clear suspicious", `{"action":"clear_suspicious","target":"198.51.100.2"}`, http.StatusOK, true},
		{"clear suspicious again", `{"action":"clear_suspicious","target":"198.51.100.2"}`, http.StatusOK, false},
		{"clear unknown ip", `{"action":"clear_ip","target":"192.0.2.1"}`, http.StatusOK, false},
		{"missing target", `{"action":"clear_ip"}`, http.StatusBadRequest, false},
		{"unknown action", `{"action":"explode"}`, http.StatusBadRequest, false},
		{"bad json", `{`, http.StatusBadRequest, false},
		{"clear all", `{"action":"clear_all"}`, http.StatusOK, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, "/v1/admin/rate-limit", tt.body, nil)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			var res struct {
				Success bool             `json:"success"`
				Stats   *ratelimit.Stats `json:"stats"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
			assert.Equal(t, tt.success, res.Success)
			if tt.name == "status" {
				require.NotNil(t, res.Stats)
				assert.Equal(t, 2, res.Stats.TotalEntries)
				assert.Equal(t, 1, res.Stats.SuspiciousIPs)
			}
		})
	}
	assert.Zero(t, limiter.Stats().TotalEntries)
	var _ admin.Administrator = limiter
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	router(NewHandlers(&fakeIssuer{}, nil, nil)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
