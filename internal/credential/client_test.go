package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, status int, header map[string]string, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		for k, v := range header {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/v1/realtime/token", time.Second)
}

func TestClientSuccess(t *testing.T) {
	c := serve(t, http.StatusOK, nil, `{"success":true,"token":"tok_abc","sessionConfig":{"model":"m1","voice":"alloy","instructions":"be brief"},"sessionId":"s1","expiresAt":"2024-01-01T00:01:00Z","mode":"webrtc"}`)

	cred, err := c.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok_abc", cred.Token)
	assert.Equal(t, "s1", cred.SessionID)
	assert.Equal(t, SessionConfig{Model: "m1", Voice: "alloy", Instructions: "be brief"}, cred.SessionConfig)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC), cred.ExpiresAt.UTC())
}

func TestClientRateLimited(t *testing.T) {
	c := serve(t, http.StatusTooManyRequests, map[string]string{"Retry-After": "42"}, `{"success":false,"error":"rate limited"}`)

	_, err := c.Credential(context.Background())
	var rle *RateLimitedError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 42*time.Second, rle.RetryAfter)
}

func TestClientRateLimitedBodyWins(t *testing.T) {
	c := serve(t, http.StatusTooManyRequests, map[string]string{"Retry-After": "42"}, `{"success":false,"error":"rate limited","retryAfter":7}`)

	_, err := c.Credential(context.Background())
	var rle *RateLimitedError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 7*time.Second, rle.RetryAfter)
}

func TestClientUpstreamErrorPropagatesStatus(t *testing.T) {
	c := serve(t, http.StatusBadGateway, nil, `{"success":false,"error":"upstream error","upstreamStatus":401,"details":"invalid api key"}`)

	_, err := c.Credential(context.Background())
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 401, ue.Status)
	assert.Equal(t, "invalid api key", ue.Body)
}
