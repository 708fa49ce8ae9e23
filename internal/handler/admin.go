package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/admin"
	"github.com/RenatoCabral2022/voicelink/internal/model"
)

// RateLimitAdmin handles POST /v1/admin/rate-limit. Mount it behind
// middleware.AdminGuard.
func (h *Handlers) RateLimitAdmin(w http.ResponseWriter, r *http.Request) {
	var req admin.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: "invalid request body"})
		return
	}

	res, err := admin.Execute(h.admin, req)
	switch {
	case errors.Is(err, admin.ErrUnknownAction), errors.Is(err, admin.ErrTargetRequired):
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{Error: err.Error()})
		return
	}

	h.logger.Info("rate limit admin action",
		zap.String("action", string(req.Action)),
		zap.String("target", req.Target),
		zap.Bool("changed", res.Success),
	)
	writeJSON(w, http.StatusOK, res)
}
