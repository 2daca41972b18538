package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "airport_pooling"

var (
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Match attempts by outcome"},
		[]string{"outcome"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})

	PoolsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "pool_candidates_rejected_total", Help: "Candidate pools rejected during matching"},
		[]string{"reason"},
	)
	CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cancellations_total", Help: "Ride cancellations by outcome"},
		[]string{"outcome"},
	)
	PoolConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "pool_version_conflicts_total", Help: "Version-checked pool writes that lost a race"},
		[]string{"op"},
	)

	LockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "lock_wait_seconds", Help: "Time spent waiting to acquire a lock"},
		[]string{"backend"},
	)
	LockExpirations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "lock_ttl_expirations_total", Help: "Locks force-released by TTL"},
		[]string{"backend"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "jobs_total", Help: "Queue job outcomes"},
		[]string{"queue", "outcome"},
	)
	VehiclesAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "vehicles_available", Help: "Vehicles seen AVAILABLE at last count"})

	PaymentHolds = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_holds_total", Help: "Payment hold operations"},
		[]string{"op", "outcome"},
	)

	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Open ride status websocket sessions"})

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
