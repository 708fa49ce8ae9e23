package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RenatoCabral2022/voicelink/internal/clock"
	"github.com/RenatoCabral2022/voicelink/internal/ratelimit"
)

func newLimiter() *ratelimit.Limiter {
	cfg := ratelimit.DefaultConfig()
	cfg.MaxRequests = 1
	return ratelimit.New(cfg, clock.NewVirtual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), nil)
}

func TestExecuteClearIP(t *testing.T) {
	l := newLimiter()
	l.CheckAndRecord("10.0.0.1")

	res, err := Execute(l, Request{Action: ActionClearIP, Target: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "10.0.0.1")
	assert.True(t, l.CheckAndRecord("10.0.0.1").Allowed)

	res, err = Execute(l, Request{Action: ActionClearIP, Target: "10.0.0.2"})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestExecuteClearSuspicious(t *testing.T) {
	l := newLimiter()
	l.MarkSuspicious("10.0.0.9")

	res, err := Execute(l, Request{Action: ActionClearSuspicious, Target: "10.0.0.9"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, l.Stats().SuspiciousIPs)
}

func TestExecuteStatusAndClearAll(t *testing.T) {
	l := newLimiter()
	l.CheckAndRecord("a")
	l.MarkSuspicious("b")

	res, err := Execute(l, Request{Action: ActionStatus})
	require.NoError(t, err)
	require.NotNil(t, res.Stats)
	assert.Equal(t, 2, res.Stats.TotalEntries)
	assert.Equal(t, 1, res.Stats.SuspiciousIPs)

	res, err = Execute(l, Request{Action: ActionClearAll})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.Stats)
	assert.Equal(t, 0, l.Stats().TotalEntries)
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	l := newLimiter()

	_, err := Execute(l, Request{Action: "drop_tables"})
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = Execute(l, Request{Action: ActionClearIP})
	assert.ErrorIs(t, err, ErrTargetRequired)

	_, err = Execute(l, Request{Action: ActionClearSuspicious})
	assert.ErrorIs(t, err, ErrTargetRequired)
}
