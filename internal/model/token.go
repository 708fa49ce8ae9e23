package model

import "time"

type SessionConfig struct {
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions,omitempty"`
}

// TokenResponse is the body of a successful POST /v1/realtime/token.
type TokenResponse struct {
	Success       bool          `json:"success"`
	Token         string        `json:"token"`
	SessionConfig SessionConfig `json:"sessionConfig"`
	SessionID     string        `json:"sessionId"`
	ExpiresAt     time.Time     `json:"expiresAt"`
	Mode          string        `json:"mode"`
}

// ErrorResponse is returned for every non-2xx answer of the token endpoint.
type ErrorResponse struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	RetryAfter     int    `json:"retryAfter,omitempty"` // seconds
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
	Details        string `json:"details,omitempty"`
}
