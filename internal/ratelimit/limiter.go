package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/clock"
	"github.com/RenatoCabral2022/voicelink/internal/metrics"
)

// Config holds the per-client budgets and the windows that govern
// suspicious-client promotion.
type Config struct {
	MaxRequests int
	Window      time.Duration
	// SuspiciousMaxRequests is the per-window budget once a client has been
	// flagged. Zero denies the client outright until an administrative reset.
	SuspiciousMaxRequests int
	ViolationThreshold    int
	TrackingPeriod        time.Duration
	BlockDuration         time.Duration
}

// DefaultConfig returns 10 requests per minute, tightening to 2 once a
// client is flagged.
func DefaultConfig() Config {
	return Config{
		MaxRequests:           10,
		Window:                time.Minute,
		SuspiciousMaxRequests: 2,
		ViolationThreshold:    3,
		TrackingPeriod:        10 * time.Minute,
		BlockDuration:         15 * time.Minute,
	}
}

// Decision is the outcome of CheckAndRecord.
type Decision struct {
	Allowed    bool
	Remaining  int
	Limit      int
	RetryAfter time.Duration
	Suspicious bool
}

// Stats is a point-in-time summary of the limiter.
type Stats struct {
	TotalEntries          int      `json:"totalEntries"`
	SuspiciousIPs         int      `json:"suspiciousIPs"`
	BlockedIPs            int      `json:"blockedIPs"`
	Suspicious            []string `json:"suspicious"`
	MaxRequests           int      `json:"maxRequests"`
	SuspiciousMaxRequests int      `json:"suspiciousMaxRequests"`
	WindowSeconds         float64  `json:"windowSeconds"`
}

type entry struct {
	requests     []time.Time
	violations   []time.Time
	suspicious   bool
	blockedUntil time.Time
}

// Limiter is a sliding window log limiter keyed by client identifier.
//
// Window arithmetic follows the injected clock. The cache's own expiry only
// evicts idle entries so memory stays bounded; it never decides an outcome.
type Limiter struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries *cache.Cache
}

// New creates a new limiter. Entries idle for a full window are evicted.
func New(cfg Config, clk clock.Clock, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		entries: cache.New(cfg.Window, cfg.Window),
	}
}

// CheckAndRecord decides whether clientID may make another request and, if
// so, records it. The check and the record happen in one critical section.
func (l *Limiter) CheckAndRecord(clientID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	e := l.lookup(clientID)
	l.prune(e, now)

	if now.Before(e.blockedUntil) {
		l.store(clientID, e)
		metrics.RateLimitDecisionsTotal.WithLabelValues("blocked").Inc()
		return Decision{
			Allowed:    false,
			Limit:      l.limitFor(e),
			RetryAfter: e.blockedUntil.Sub(now),
			Suspicious: true,
		}
	}

	limit := l.limitFor(e)
	if len(e.requests) < limit {
		e.requests = append(e.requests, now)
		l.store(clientID, e)
		metrics.RateLimitDecisionsTotal.WithLabelValues("allowed").Inc()
		return Decision{
			Allowed:    true,
			Remaining:  limit - len(e.requests),
			Limit:      limit,
			Suspicious: e.suspicious,
		}
	}

	e.violations = append(e.violations, now)
	retry := l.cfg.Window
	if len(e.requests) > 0 {
		retry = e.requests[0].Add(l.cfg.Window).Sub(now)
	}
	if !e.suspicious && len(e.violations) >= l.cfg.ViolationThreshold {
		l.flag(clientID, e, now)
		retry = e.blockedUntil.Sub(now)
	}
	l.store(clientID, e)
	metrics.RateLimitDecisionsTotal.WithLabelValues("denied").Inc()

	return Decision{
		Allowed:    false,
		Limit:      l.limitFor(e),
		RetryAfter: retry,
		Suspicious: e.suspicious,
	}
}

// MarkSuspicious flags clientID and blocks it for the configured duration.
func (l *Limiter) MarkSuspicious(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	e := l.lookup(clientID)
	l.flag(clientID, e, now)
	l.store(clientID, e)
}

// ResetLimit drops everything recorded for clientID.
func (l *Limiter) ResetLimit(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.entries.Get(clientID)
	l.entries.Delete(clientID)
	return ok
}

// ClearSuspiciousIP lifts the suspicious flag, block and violation history.
// Request history inside the current window is kept.
func (l *Limiter) ClearSuspiciousIP(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.entries.Get(clientID)
	if !ok {
		return false
	}
	e := v.(*entry)
	if !e.suspicious {
		return false
	}
	e.suspicious = false
	e.blockedUntil = time.Time{}
	e.violations = nil
	now := l.clock.Now()
	l.prune(e, now)
	l.store(clientID, e)
	return true
}

// ClearAllLimits forgets every client, flagged ones included.
func (l *Limiter) ClearAllLimits() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.entries.ItemCount()
	l.entries.Flush()
	l.logger.Warn("all rate limit entries cleared", zap.Int("entries", n))
	return true
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	stats := Stats{
		Suspicious:            []string{},
		MaxRequests:           l.cfg.MaxRequests,
		SuspiciousMaxRequests: l.cfg.SuspiciousMaxRequests,
		WindowSeconds:         l.cfg.Window.Seconds(),
	}
	for id, item := range l.entries.Items() {
		e := item.Object.(*entry)
		l.prune(e, now)
		if l.empty(e) {
			l.entries.Delete(id)
			continue
		}
		stats.TotalEntries++
		if e.suspicious {
			stats.SuspiciousIPs++
			stats.Suspicious = append(stats.Suspicious, id)
		}
		if now.Before(e.blockedUntil) {
			stats.BlockedIPs++
		}
	}
	sort.Strings(stats.Suspicious)
	metrics.RateLimitEntries.Set(float64(stats.TotalEntries))
	return stats
}

// lookup must be called with l.mu held.
func (l *Limiter) lookup(clientID string) *entry {
	if v, ok := l.entries.Get(clientID); ok {
		return v.(*entry)
	}
	return &entry{}
}

func (l *Limiter) prune(e *entry, now time.Time) {
	e.requests = after(e.requests, now.Add(-l.cfg.Window))
	e.violations = after(e.violations, now.Add(-l.cfg.TrackingPeriod))
}

func (l *Limiter) flag(clientID string, e *entry, now time.Time) {
	e.suspicious = true
	e.blockedUntil = now.Add(l.cfg.BlockDuration)
	metrics.SuspiciousClientsTotal.Inc()
	l.logger.Warn("client marked suspicious",
		zap.String("client", clientID),
		zap.Int("violations", len(e.violations)),
		zap.Time("blockedUntil", e.blockedUntil),
	)
}

func (l *Limiter) limitFor(e *entry) int {
	if e.suspicious {
		return l.cfg.SuspiciousMaxRequests
	}
	return l.cfg.MaxRequests
}

func (l *Limiter) empty(e *entry) bool {
	return !e.suspicious && len(e.requests) == 0 && len(e.violations) == 0
}

// store writes e back with a TTL covering its longest-lived state, or
// removes it when nothing is left to remember.
func (l *Limiter) store(clientID string, e *entry) {
	if l.empty(e) {
		l.entries.Delete(clientID)
		return
	}
	if e.suspicious {
		l.entries.Set(clientID, e, cache.NoExpiration)
		return
	}
	ttl := l.cfg.Window
	if len(e.violations) > 0 && l.cfg.TrackingPeriod > ttl {
		ttl = l.cfg.TrackingPeriod
	}
	l.entries.Set(clientID, e, ttl)
}

// after drops timestamps at or before cutoff, reusing ts's backing array.
func after(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}
