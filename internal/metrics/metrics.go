package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stockelper_turns_started_total",
			Help: "Total number of chat turns started",
		},
	)

	TurnsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockelper_turns_completed_total",
			Help: "Total number of chat turns completed",
		},
		[]string{"status"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stockelper_turn_duration_seconds",
			Help:    "Turn execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Delegation metrics
	DelegationRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stockelper_delegation_rounds",
			Help:    "Number of fan-out rounds per turn",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	SpecialistRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockelper_specialist_runs_total",
			Help: "Total number of specialist executions",
		},
		[]string{"specialist", "status"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockelper_tool_calls_total",
			Help: "Total number of specialist tool invocations",
		},
		[]string{"tool", "status"},
	)

	// Broker metrics
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockelper_broker_token_refreshes_total",
			Help: "Total number of broker access token refreshes",
		},
		[]string{"status"},
	)

	BrokerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockelper_broker_calls_total",
			Help: "Total number of broker API calls",
		},
		[]string{"endpoint", "status"},
	)

	// Listing cache metrics
	ListingRebuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stockelper_listing_rebuilds_total",
			Help: "Total number of stock listing cache rebuilds",
		},
	)

	ListingSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockelper_listing_size",
			Help: "Number of entries in the stock listing cache",
		},
	)

	// Knowledge graph metrics
	SubgraphFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockelper_subgraph_fetches_total",
			Help: "Total number of knowledge subgraph fetches",
		},
		[]string{"status"},
	)

	// Checkpoint metrics
	CheckpointLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockelper_checkpoint_loads_total",
			Help: "Total number of conversation checkpoint loads",
		},
		[]string{"status"},
	)
)
