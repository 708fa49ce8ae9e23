package handler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/admin"
	"github.com/RenatoCabral2022/voicelink/internal/credential"
)

// TokenIssuer issues credentials on behalf of a client.
type TokenIssuer interface {
	IssueToken(ctx context.Context, clientID string) (credential.Credential, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	issuer TokenIssuer
	admin  admin.Administrator
	logger *zap.Logger
}

// NewHandlers creates the HTTP handlers. adm may be nil when the admin
// route is not mounted.
func NewHandlers(issuer TokenIssuer, adm admin.Administrator, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{issuer: issuer, admin: adm, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// clientID is the caller's address. chi's RealIP has already replaced
// RemoteAddr with the forwarded address when one was sent.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
