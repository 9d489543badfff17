package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts accepted submissions by type.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_tasks_submitted_total",
		Help: "Accepted task submissions",
	}, []string{"type"})

	// PolicyDenials counts submissions rejected by the policy engine.
	PolicyDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_policy_denials_total",
		Help: "Task submissions rejected by policy",
	}, []string{"type", "check"})

	// DispatchDecisions counts dispatcher outcomes per tick.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_dispatch_decisions_total",
		Help: "Dispatcher decisions (launch, dependency_wait, pacing_delay, missing_handler)",
	}, []string{"decision"})

	// InFlightTasks tracks currently running executions.
	InFlightTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_inflight_tasks",
		Help: "Executions currently in flight",
	})

	// ReadyQueueDepth tracks rows eligible for dispatch at the last tick.
	ReadyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_ready_queue_depth",
		Help: "Dispatch-eligible rows observed at the last tick",
	})

	// TaskRuntimeSeconds tracks execution time per attempt.
	TaskRuntimeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hive_task_runtime_seconds",
		Help:    "Task execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"type"})

	// TaskOutcomes counts terminal transitions.
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_task_outcomes_total",
		Help: "Terminal task outcomes",
	}, []string{"type", "outcome"})

	// TaskTimeouts counts executions cancelled for exceeding their deadline.
	TaskTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_task_timeouts_total",
		Help: "Executions cancelled at their wall-clock ceiling",
	}, []string{"type"})

	// TaskRetries counts retry resets.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_task_retries_total",
		Help: "Retry resets applied to failed tasks",
	})

	// StaleReaped counts rows failed by the stale guard.
	StaleReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_stale_reaped_total",
		Help: "Rows transitioned to failed by the stale reaper",
	})

	// BusSubscribers tracks attached event bus subscribers.
	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_bus_subscribers",
		Help: "Currently attached event bus subscribers",
	})

	// BusDroppedSubscribers counts subscribers evicted for full buffers.
	BusDroppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_bus_dropped_subscribers_total",
		Help: "Subscribers dropped because their buffer was full",
	})

	// BusFrames counts published frames by kind.
	BusFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_bus_frames_total",
		Help: "Frames published to the event bus",
	}, []string{"kind"})

	// APIRateLimited counts requests rejected by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_api_rate_limited_total",
		Help: "API requests rejected by the storm-protection limiter",
	}, []string{"endpoint"})

	// RecurringFires counts recurring scheduler injections.
	RecurringFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hive_recurring_fires_total",
		Help: "Tasks injected by the recurring scheduler",
	}, []string{"job"})

	// StoreWriteRetries counts retried terminal store writes.
	StoreWriteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_store_write_retries_total",
		Help: "Retried terminal-state store writes",
	})
)
