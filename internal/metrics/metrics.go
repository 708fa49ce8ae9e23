package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gauges
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicelink_active_connections",
		Help: "Number of realtime peer connections currently connected",
	})
	RateLimitEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicelink_rate_limit_entries",
		Help: "Number of tracked rate limit entries at the last stats snapshot",
	})
)

// Counters
var (
	TokenRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_token_requests_total",
		Help: "Credential requests by outcome",
	}, []string{"outcome"})
	RateLimitDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_rate_limit_decisions_total",
		Help: "Rate limiter decisions",
	}, []string{"decision"})
	SuspiciousClientsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_suspicious_clients_total",
		Help: "Clients promoted to suspicious",
	})
	ConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_connect_attempts_total",
		Help: "Realtime connection attempts by outcome",
	}, []string{"outcome"})
	EventsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_events_received_total",
		Help: "Control channel events received and dispatched",
	})
	EventsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_events_sent_total",
		Help: "Control channel events sent",
	})
	MalformedMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_malformed_messages_total",
		Help: "Inbound control messages dropped because they failed to parse",
	})
	RTPPacketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_rtp_packets_total",
		Help: "Inbound RTP packets handed to playback",
	})
)

// Histograms
var (
	ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicelink_connect_duration_ms",
		Help:    "Time from connect start to control channel open in milliseconds",
		Buckets: []float64{250, 500, 1000, 2000, 5000, 10000, 20000},
	})
	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicelink_upstream_duration_ms",
		Help:    "Upstream call duration in milliseconds by endpoint",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000},
	}, []string{"endpoint"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
