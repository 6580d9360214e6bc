package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_health_checks_total",
		Help: "Position health evaluations by selected action",
	}, []string{"action"})

	ActionsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_actions_total",
		Help: "Rebalancing batches submitted, by kind and outcome",
	}, []string{"kind", "status"})

	OptimizeSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_optimize_suppressed_total",
		Help: "Auto-optimize decisions suppressed by a gate",
	}, []string{"gate"})

	UserOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_user_operations_total",
		Help: "User operations sent to the bundler, by final status",
	}, []string{"status"})

	SignerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keeper_signer_fee_bumps_total",
		Help: "Direct transactions resubmitted with escalated fees",
	})

	PositionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_position_errors_total",
		Help: "Position checks aborted by an error, by error code",
	}, []string{"code"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_notifications_total",
		Help: "Owner notifications by kind and outcome",
	}, []string{"kind", "status"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keeper_cycle_duration_seconds",
		Help:    "Wall time of one monitoring cycle",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keeper_http_latency_seconds",
		Help:    "Ops API request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
