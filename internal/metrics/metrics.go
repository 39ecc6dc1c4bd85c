package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_client_connection_state",
		Help: "Current connection state (0=disconnected 1=connecting 2=connected 3=reconnecting)",
	})
	Participants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_client_participants",
		Help: "Number of remote participants currently tracked",
	})
	ScreenSharing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_client_screen_sharing",
		Help: "Whether the local participant is sharing the screen (0 or 1)",
	})
)

// Counters
var (
	ConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_client_connects_total",
		Help: "Connection attempts by outcome",
	}, []string{"outcome"})
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_client_reconnects_total",
		Help: "Reconnect attempts scheduled after an unexpected disconnect",
	})
	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_client_disconnects_total",
		Help: "Disconnects by reason",
	}, []string{"reason"})
	MuteRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_client_mute_repairs_total",
		Help: "Times the repair loop corrected a drifted mute state",
	})
	ShareRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_client_share_requests_total",
		Help: "Screen share permission requests by outcome",
	}, []string{"outcome"})
	ControlMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_client_control_messages_total",
		Help: "Control messages by type and direction",
	}, []string{"type", "direction"})
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_client_heartbeats_total",
		Help: "Heartbeats sent over the control channel",
	})
	TokenFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_client_token_fetches_total",
		Help: "Token fetches by outcome",
	}, []string{"outcome"})
)

// Histograms
var (
	ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meeting_client_connect_duration_seconds",
		Help:    "Time from connect call to stable connection",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 15, 30},
	})
	StabilityCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meeting_client_stability_check_seconds",
		Help:    "Time spent confirming the connection is stable",
		Buckets: []float64{0.5, 1, 2, 5, 10, 15},
	})
)
