package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ridepool", Name: "sessions_active", Help: "Live search sessions by role"},
		[]string{"role"},
	)
	SessionsExpired      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridepool", Name: "sessions_expired_total", Help: "Search sessions removed by timeout"})
	ScheduledActivations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridepool", Name: "scheduled_activations_total", Help: "Scheduled searches advanced to activating"})

	MatchCycles      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridepool", Name: "match_cycles_total", Help: "Matching sweeps run"})
	MatchCycleErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridepool", Name: "match_cycle_pair_errors_total", Help: "Pair evaluations that failed and were skipped"})
	ProposalsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridepool", Name: "proposals_created_total", Help: "Match proposals created"})
	CooldownBlocks   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridepool", Name: "cooldown_blocks_total", Help: "Proposals blocked by the pair cooldown"})
	DedupBlocks      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridepool", Name: "dedup_blocks_total", Help: "Proposals blocked by an open durable proposal"})
	CycleLatency     = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ridepool", Name: "match_cycle_duration_seconds", Help: "Matching sweep latency", Buckets: prometheus.DefBuckets,
	})

	WSDeliveries       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridepool", Name: "ws_deliveries_total", Help: "Events delivered over the realtime channel"})
	WSDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ridepool", Name: "ws_delivery_failures_total", Help: "Realtime deliveries that fell back to durable persistence"})
	WSConnections      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ridepool", Name: "ws_connections", Help: "Open participant websocket connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridepool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ridepool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
