package credential

import (
	"fmt"
	"time"
)

// RateLimitedError means the caller exceeded its issuance budget.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

// UpstreamError carries a non-success answer from the credential endpoint.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("credential endpoint returned %d: %s", e.Status, body)
}
