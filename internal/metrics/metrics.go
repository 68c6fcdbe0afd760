package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebattle_executions_total",
			Help: "Total number of code executions",
		},
		[]string{"language", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codebattle_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"language"},
	)

	ActiveContainers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codebattle_active_containers",
			Help: "Number of execution containers currently alive",
		},
	)

	BattlesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codebattle_battles_started_total",
			Help: "Total number of battles started",
		},
	)

	BattlesEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebattle_battles_ended_total",
			Help: "Total number of battles ended, by trigger",
		},
		[]string{"trigger"}, // "timer" or "all_perfect"
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebattle_submissions_total",
			Help: "Total number of graded battle submissions",
		},
		[]string{"language"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codebattle_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	RoomFallbackReads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codebattle_room_fallback_reads_total",
			Help: "Room reads that missed redis and hit the durable fallback",
		},
	)
)
