package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campusride"

var (
	RideTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Successful ride status transitions"},
		[]string{"status"},
	)
	RideConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_conflicts_total", Help: "Rejected ride operations by reason"},
		[]string{"operation", "reason"},
	)
	RidesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_expired_total", Help: "Requests cancelled by the expiry sweeper"})

	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Nearby driver query latency"})
	MatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_candidates",
		Help:      "Number of candidates returned per nearby query",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	LocationReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_reports_total", Help: "Location reports accepted"},
		[]string{"role"},
	)

	IngestMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ingest_messages_total", Help: "Driver location messages consumed from Kafka by outcome"},
		[]string{"result"},
	)

	FeedSubscribers     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "feed_subscribers", Help: "Open change feed subscriptions"})
	FeedEventsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "feed_events_total", Help: "Change events published to the feed"})
	FeedLaggedTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "feed_lagged_total", Help: "Subscribers disconnected for falling behind"})
	FeedReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "feed_reconnects_total", Help: "Database listener reconnects"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
