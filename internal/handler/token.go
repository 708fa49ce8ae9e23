package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/credential"
	"github.com/RenatoCabral2022/voicelink/internal/middleware"
	"github.com/RenatoCabral2022/voicelink/internal/model"
)

// IssueToken handles POST /v1/realtime/token.
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	client := clientID(r)
	logger := h.logger.With(
		zap.String("client", client),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
	)

	cred, err := h.issuer.IssueToken(r.Context(), client)

	var rle *credential.RateLimitedError
	var ue *credential.UpstreamError
	switch {
	case err == nil:
		logger.Info("credential issued", zap.Stringer("credential", cred))
		writeJSON(w, http.StatusOK, model.TokenResponse{
			Success: true,
			Token:   cred.Token,
			SessionConfig: model.SessionConfig{
				Model:        cred.SessionConfig.Model,
				Voice:        cred.SessionConfig.Voice,
				Instructions: cred.SessionConfig.Instructions,
			},
			SessionID: cred.SessionID,
			ExpiresAt: cred.ExpiresAt,
			Mode:      cred.Mode,
		})

	case errors.As(err, &rle):
		secs := int(math.Ceil(rle.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		logger.Warn("credential request rate limited", zap.Int("retry_after", secs))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, model.ErrorResponse{
			Error:      "Too many requests. Please try again later.",
			RetryAfter: secs,
		})

	case errors.As(err, &ue):
		logger.Error("upstream rejected credential request", zap.Int("upstream_status", ue.Status))
		writeJSON(w, http.StatusBadGateway, model.ErrorResponse{
			Error:          "Failed to create realtime session",
			UpstreamStatus: ue.Status,
			Details:        ue.Body,
		})

	default:
		logger.Error("credential request failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, model.ErrorResponse{
			Error:   "Failed to create realtime session",
			Details: err.Error(),
		})
	}
}
