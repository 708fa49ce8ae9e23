package config

import (
	"fmt"
	"net/url"
)

const maxURLLength = 2048

// ValidateUpstreamURL checks that a configured upstream base URL is usable:
//   - max length 2048 characters
//   - scheme must be http or https
//   - no embedded credentials (user:pass@host)
//   - a hostname is present
func ValidateUpstreamURL(rawURL string) error {
	if len(rawURL) > maxURLLength {
		return fmt.Errorf("URL too long (%d chars, max %d)", len(rawURL), maxURLLength)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q: only http and https are allowed", u.Scheme)
	}

	if u.User != nil {
		return fmt.Errorf("URLs with embedded credentials are not allowed")
	}

	if u.Hostname() == "" {
		return fmt.Errorf("URL has no hostname")
	}
	return nil
}
