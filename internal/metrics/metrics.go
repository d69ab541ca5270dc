package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_workflows_started_total",
			Help: "Total number of research workflows started",
		},
		[]string{"scenario"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_workflows_completed_total",
			Help: "Total number of research workflows completed",
		},
		[]string{"scenario", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"scenario"},
	)

	WorkflowCycles = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_workflow_cycles",
			Help:    "Global cycles used per workflow",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		},
	)

	// Stage metrics
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_stage_transitions_total",
			Help: "Total number of stage transitions",
		},
		[]string{"stage"},
	)

	ForcedCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_forced_completions_total",
			Help: "Workflow terminations triggered by a configured ceiling",
		},
		[]string{"reason"},
	)

	// External service metrics
	ServiceCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_service_calls_total",
			Help: "Total calls to backing services",
		},
		[]string{"service", "status"},
	)

	ServiceCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deepresearch_service_call_duration_seconds",
			Help:    "Backing service call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// Retry metrics
	RetryExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_retry_executions_total",
			Help: "Operations executed under the retry policy",
		},
		[]string{"operation"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_retry_attempts_total",
			Help: "Retry attempts beyond the first, per operation",
		},
		[]string{"operation"},
	)

	// Batch metrics
	BatchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_batch_items_total",
			Help: "Batch items processed by the concurrency limiter",
		},
		[]string{"batch", "status"},
	)

	BatchTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_batch_timeouts_total",
			Help: "Batches that hit their overall deadline with items pending",
		},
		[]string{"batch"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deepresearch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_circuit_breaker_trips_total",
			Help: "Circuit breaker transitions to open",
		},
		[]string{"name"},
	)

	// Degradation metrics
	DegradationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_degradation_events_total",
			Help: "Degradation events recorded",
		},
		[]string{"level", "reason"},
	)

	DegradationLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_degradation_level",
			Help: "Current degradation level (0=none, 1=minor, 2=moderate, 3=severe)",
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_events_published_total",
			Help: "Workflow events published to the streaming manager",
		},
		[]string{"type"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_stream_subscribers",
			Help: "Currently connected stream subscribers",
		},
	)
)
