package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/RenatoCabral2022/voicelink/internal/model"
)

// Client fetches credentials from a voicelink token endpoint. Failures come
// back as the same typed errors the Issuer produces.
type Client struct {
	endpoint string
	http     *resty.Client
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http:     resty.New().SetTimeout(timeout),
	}
}

func (c *Client) Credential(ctx context.Context) (Credential, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		Post(c.endpoint)
	if err != nil {
		return Credential{}, fmt.Errorf("request credential: %w", err)
	}

	if resp.IsError() {
		var body model.ErrorResponse
		_ = json.Unmarshal(resp.Body(), &body)

		if resp.StatusCode() == http.StatusTooManyRequests {
			retry := time.Duration(body.RetryAfter) * time.Second
			if retry == 0 {
				if secs, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
					retry = time.Duration(secs) * time.Second
				}
			}
			return Credential{}, &RateLimitedError{RetryAfter: retry}
		}

		status := resp.StatusCode()
		if body.UpstreamStatus != 0 {
			status = body.UpstreamStatus
		}
		detail := body.Details
		if detail == "" {
			detail = body.Error
		}
		if detail == "" {
			detail = string(resp.Body())
		}
		return Credential{}, &UpstreamError{Status: status, Body: detail}
	}

	var body model.TokenResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	if !body.Success || body.Token == "" {
		return Credential{}, &UpstreamError{Status: resp.StatusCode(), Body: "token endpoint returned no token"}
	}

	return Credential{
		Token:     body.Token,
		ExpiresAt: body.ExpiresAt,
		SessionConfig: SessionConfig{
			Model:        body.SessionConfig.Model,
			Voice:        body.SessionConfig.Voice,
			Instructions: body.SessionConfig.Instructions,
		},
		SessionID: body.SessionID,
		Mode:      body.Mode,
	}, nil
}
