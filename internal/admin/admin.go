package admin

import (
	"errors"
	"fmt"

	"github.com/RenatoCabral2022/voicelink/internal/ratelimit"
)

// Administrator is the reset capability every limiter exposes to tooling.
// Whether a caller may use it is decided at the HTTP boundary, not here.
type Administrator interface {
	ResetLimit(clientID string) bool
	ClearSuspiciousIP(clientID string) bool
	ClearAllLimits() bool
	Stats() ratelimit.Stats
}

var _ Administrator = (*ratelimit.Limiter)(nil)

type Action string

const (
	ActionClearAll        Action = "clear_all"
	ActionClearIP         Action = "clear_ip"
	ActionClearSuspicious Action = "clear_suspicious"
	ActionStatus          Action = "status"
)

var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrTargetRequired = errors.New("target is required for this action")
)

type Request struct {
	Action Action `json:"action"`
	Target string `json:"target,omitempty"`
}

type Result struct {
	Success bool             `json:"success"`
	Action  Action           `json:"action"`
	Message string           `json:"message"`
	Stats   *ratelimit.Stats `json:"stats,omitempty"`
}

// Execute runs one administrative action. Success reports whether the action
// changed anything (status always succeeds).
func Execute(a Administrator, req Request) (Result, error) {
	res := Result{Action: req.Action}

	switch req.Action {
	case ActionClearAll:
		res.Success = a.ClearAllLimits()
		res.Message = "All rate limits cleared"

	case ActionClearIP:
		if req.Target == "" {
			return res, ErrTargetRequired
		}
		res.Success = a.ResetLimit(req.Target)
		if res.Success {
			res.Message = fmt.Sprintf("Rate limit cleared for %s", req.Target)
		} else {
			res.Message = fmt.Sprintf("No rate limit entry for %s", req.Target)
		}

	case ActionClearSuspicious:
		if req.Target == "" {
			return res, ErrTargetRequired
		}
		res.Success = a.ClearSuspiciousIP(req.Target)
		if res.Success {
			res.Message = fmt.Sprintf("Suspicious flag cleared for %s", req.Target)
		} else {
			res.Message = fmt.Sprintf("%s is not flagged as suspicious", req.Target)
		}

	case ActionStatus:
		stats := a.Stats()
		res.Success = true
		res.Stats = &stats
		res.Message = fmt.Sprintf("%d tracked clients, %d suspicious", stats.TotalEntries, stats.SuspiciousIPs)

	default:
		return res, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	return res, nil
}
